package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/synth"
	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/logging"
	"github.com/yyup/voicebridge/pkg/resilience"
)

const defaultBaseURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string
	Timeout time.Duration
}

// Synthesizer issues one HTTP synthesis request per reply utterance and
// returns raw 24 kHz 16-bit PCM (output_format pcm_24000).
type Synthesizer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_synth"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, params synth.VoiceParams) ([]byte, error) {
	if s.cfg.APIKey == "" {
		return nil, errorsx.Wrap(errors.New("missing elevenlabs api key"), errorsx.ReasonTTSSynthesize)
	}
	voice := params.Voice
	if voice == "" {
		voice = s.cfg.VoiceID
	}
	if voice == "" {
		return nil, errorsx.Wrap(errors.New("missing voice id"), errorsx.ReasonTTSSynthesize)
	}

	body := map[string]any{
		"text":     text,
		"model_id": s.cfg.ModelID,
	}
	if params.Speed > 0 {
		body["voice_settings"] = map[string]any{"speed": params.Speed}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_24000", s.cfg.BaseURL, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: s.Name()}, errorsx.ReasonTTSRateLimit)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, string(detail)), errorsx.ReasonTTSSynthesize)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	if len(audio) == 0 {
		return nil, errorsx.Wrap(errors.New("empty synthesis result"), errorsx.ReasonTTSEmpty)
	}

	s.logger.Debug("synthesis_complete",
		slog.Int("pcm_bytes", len(audio)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return audio, nil
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
