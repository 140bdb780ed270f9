package voicebridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/asr"
	"github.com/yyup/voicebridge/pkg/adapters/synth"
	"github.com/yyup/voicebridge/pkg/configutil"
	"github.com/yyup/voicebridge/pkg/llm"
	"github.com/yyup/voicebridge/pkg/providers/deepgram"
	"github.com/yyup/voicebridge/pkg/providers/elevenlabs"
	"github.com/yyup/voicebridge/pkg/providers/mock"
	"github.com/yyup/voicebridge/pkg/providers/openai"
)

// RecognizerFactoryBuilder validates vendor settings once and returns
// the per-connection recognizer factory sessions use to (re)connect.
type RecognizerFactoryBuilder func(cfg Config) (func(asr.Config) asr.StreamingRecognizer, error)

type SynthesizerFactory func(cfg Config) (synth.Synthesizer, error)

type GeneratorFactory func(cfg Config) (llm.Generator, error)

type ProviderRegistry struct {
	asr map[string]RecognizerFactoryBuilder
	tts map[string]SynthesizerFactory
	llm map[string]GeneratorFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		asr: make(map[string]RecognizerFactoryBuilder),
		tts: make(map[string]SynthesizerFactory),
		llm: make(map[string]GeneratorFactory),
	}
}

// DefaultProviderRegistry carries the built-in vendors.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterASR("deepgram", buildDeepgramFactory)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterASR("mock", buildMockASRFactory)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterLLM("mock", buildMockLLM)
	return r
}

func (r *ProviderRegistry) RegisterASR(name string, builder RecognizerFactoryBuilder) {
	r.asr[normalizeProvider(name)] = builder
}

func (r *ProviderRegistry) RegisterTTS(name string, factory SynthesizerFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory GeneratorFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildRecognizerFactory(provider string, cfg Config) (func(asr.Config) asr.StreamingRecognizer, error) {
	fn := r.asr[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("asr provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildSynthesizer(provider string, cfg Config) (synth.Synthesizer, error) {
	fn := r.tts[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildGenerator(provider string, cfg Config) (llm.Generator, error) {
	fn := r.llm[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "interim", "utterance_end_ms"},
}

func buildDeepgramFactory(cfg Config) (func(asr.Config) asr.StreamingRecognizer, error) {
	if err := configutil.ValidateSettings(cfg.Vendors.ASR.Settings, deepgramSchema); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(cfg.Vendors.ASR.Settings, &s); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.asr.settings.api_key"); err != nil {
		return nil, err
	}
	// Interim results default on; they drive barge-in detection.
	interim := configutil.BoolValue(s.Interim, true)
	utteranceEnd := configutil.IntValue(s.UtteranceEndMS, 1000)
	return func(c asr.Config) asr.StreamingRecognizer {
		return deepgram.New(deepgram.Config{
			APIKey:         s.APIKey,
			Model:          s.Model,
			Language:       c.Language,
			SampleRate:     c.SampleRate,
			Interim:        interim,
			UtteranceEndMS: utteranceEnd,
			CallID:         c.CallID,
			TraceID:        c.TraceID,
		})
	}, nil
}

type elevenLabsSettings struct {
	APIKey    string `mapstructure:"api_key"`
	VoiceID   string `mapstructure:"voice_id"`
	ModelID   string `mapstructure:"model_id"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

var elevenLabsSchema = configutil.Schema{
	Required: []string{"api_key", "voice_id"},
	Optional: []string{"model_id", "base_url", "timeout_ms"},
}

func buildElevenLabs(cfg Config) (synth.Synthesizer, error) {
	if err := configutil.ValidateSettings(cfg.Vendors.TTS.Settings, elevenLabsSchema); err != nil {
		return nil, fmt.Errorf("elevenlabs settings: %w", err)
	}
	var s elevenLabsSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
		return nil, fmt.Errorf("elevenlabs settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:  s.APIKey,
		VoiceID: s.VoiceID,
		ModelID: s.ModelID,
		BaseURL: s.BaseURL,
		Timeout: time.Duration(s.TimeoutMS) * time.Millisecond,
	}), nil
}

type openAISettings struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

var openAISchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model"},
}

func buildOpenAI(cfg Config) (llm.Generator, error) {
	if err := configutil.ValidateSettings(cfg.Vendors.LLM.Settings, openAISchema); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	var s openAISettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return nil, err
	}
	return openai.NewAdapter(s.APIKey, s.Model), nil
}

func buildMockASRFactory(cfg Config) (func(asr.Config) asr.StreamingRecognizer, error) {
	return func(c asr.Config) asr.StreamingRecognizer {
		return mock.NewRecognizer(mock.RecognizerConfig{CallID: c.CallID})
	}, nil
}

type mockTTSSettings struct {
	PCMBytes int `mapstructure:"pcm_bytes"`
}

func buildMockTTS(cfg Config) (synth.Synthesizer, error) {
	var s mockTTSSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
		return nil, fmt.Errorf("mock tts settings: %w", err)
	}
	if s.PCMBytes <= 0 {
		s.PCMBytes = 2400
	}
	return mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, s.PCMBytes)}), nil
}

type mockLLMSettings struct {
	ReplyText string `mapstructure:"reply_text"`
}

func buildMockLLM(cfg Config) (llm.Generator, error) {
	var s mockLLMSettings
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
		return nil, fmt.Errorf("mock llm settings: %w", err)
	}
	return mock.NewGenerator(mock.GeneratorConfig{ReplyText: s.ReplyText}), nil
}
