package voicebridge

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Transcripts   TranscriptsConfig   `mapstructure:"transcripts"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Voice         VoiceConfig         `mapstructure:"voice"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	BasePrompt    string              `mapstructure:"base_prompt"`
	Greeting      string              `mapstructure:"greeting"`
	Language      string              `mapstructure:"language"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	ASR VendorConfig `mapstructure:"asr"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// TranscriptsConfig selects where finished-call transcripts go.
// Store is one of jsonl, postgres, memory, none.
type TranscriptsConfig struct {
	Store string `mapstructure:"store"`
	Dir   string `mapstructure:"dir"`
	DSN   string `mapstructure:"dsn"`
}

// TurnConfig tunes the per-call reply pipeline and stream recovery.
type TurnConfig struct {
	GenerateTimeoutMS   int `mapstructure:"generate_timeout_ms"`
	SynthesizeTimeoutMS int `mapstructure:"synthesize_timeout_ms"`
	OpenTimeoutMS       int `mapstructure:"open_timeout_ms"`
	PersistTimeoutMS    int `mapstructure:"persist_timeout_ms"`
	ReconnectRetries    int `mapstructure:"reconnect_retries"`
	ReconnectBackoffMS  int `mapstructure:"reconnect_backoff_ms"`
	InboxSize           int `mapstructure:"inbox_size"`
}

type VoiceConfig struct {
	Name  string  `mapstructure:"name"`
	Speed float64 `mapstructure:"speed"`
}

type ObservabilityConfig struct {
	DebugMetrics bool `mapstructure:"debug_metrics"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("language", "zh")
	v.SetDefault("transcripts.store", "jsonl")
	v.SetDefault("transcripts.dir", "transcripts")
	v.SetDefault("turn.generate_timeout_ms", 20000)
	v.SetDefault("turn.synthesize_timeout_ms", 15000)
	v.SetDefault("turn.open_timeout_ms", 10000)
	v.SetDefault("turn.persist_timeout_ms", 10000)
	v.SetDefault("turn.reconnect_retries", 2)
	v.SetDefault("turn.reconnect_backoff_ms", 500)
	v.SetDefault("turn.inbox_size", 512)
	v.SetDefault("voice.speed", 1.0)
	v.SetDefault("observability.debug_metrics", false)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.ASR.Provider) == "" {
		return fmt.Errorf("vendors.asr.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Transcripts.Store)) {
	case "jsonl", "postgres", "memory", "none":
	default:
		return fmt.Errorf("transcripts.store must be jsonl, postgres, memory or none")
	}
	if strings.EqualFold(c.Transcripts.Store, "postgres") && strings.TrimSpace(c.Transcripts.DSN) == "" {
		return fmt.Errorf("transcripts.dsn is required for the postgres store")
	}
	return nil
}

// expandEnvStrings substitutes ${VAR} references so secrets can stay in
// the environment instead of the config file.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.ASR.Settings = expandSettings(cfg.Vendors.ASR.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
