package voicebridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/synth"
	"github.com/yyup/voicebridge/pkg/frames"
	"github.com/yyup/voicebridge/pkg/llm"
	"github.com/yyup/voicebridge/pkg/logging"
	"github.com/yyup/voicebridge/pkg/metrics"
	"github.com/yyup/voicebridge/pkg/observers"
	"github.com/yyup/voicebridge/pkg/redact"
	"github.com/yyup/voicebridge/pkg/resilience"
	"github.com/yyup/voicebridge/pkg/runner"
	"github.com/yyup/voicebridge/pkg/session"
	"github.com/yyup/voicebridge/pkg/transcript"
	"github.com/yyup/voicebridge/pkg/transports"
)

// Engine ties the telephony transport to the per-call session layer:
// it admits calls from transport frames, routes caller audio to the
// owning session, and tears sessions down when calls end.
type Engine struct {
	cfg       Config
	manager   *session.Manager
	transport transports.Transport
	providers *ProviderRegistry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Store overrides the one built from Config.Transcripts.
	Store transcript.Store
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	slog.Info("voicebridge_init",
		"environment", cfg.Environment,
		"asr_provider", cfg.Vendors.ASR.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"transport", cfg.Transports.Provider,
	)

	obsList := []metrics.Observer{observers.NewLatencyObserver(slog.Default())}
	if cfg.Observability.DebugMetrics {
		obsList = append(obsList, observers.NewLoggerObserver(slog.Default()))
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	newRecognizer, err := providers.BuildRecognizerFactory(cfg.Vendors.ASR.Provider, cfg)
	if err != nil {
		return nil, err
	}
	synthesizer, err := providers.BuildSynthesizer(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}
	rawGenerator, err := providers.BuildGenerator(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return nil, err
	}
	generator := llm.NewResilientGenerator(rawGenerator, nil)
	generator.SetObserver(asyncObs)
	store := opts.Store
	if store == nil {
		store, err = buildStore(cfg.Transcripts)
		if err != nil {
			return nil, err
		}
	}

	manager := session.NewManager(session.Config{
		NewRecognizer:     newRecognizer,
		Generator:         generator,
		Synthesizer:       synthesizer,
		Store:             store,
		Gateway:           opts.Transport,
		Voice:             synth.VoiceParams{Voice: cfg.Voice.Name, Speed: cfg.Voice.Speed},
		Greeting:          cfg.Greeting,
		Language:          cfg.Language,
		GenerateTimeout:   time.Duration(cfg.Turn.GenerateTimeoutMS) * time.Millisecond,
		SynthesizeTimeout: time.Duration(cfg.Turn.SynthesizeTimeoutMS) * time.Millisecond,
		OpenTimeout:       time.Duration(cfg.Turn.OpenTimeoutMS) * time.Millisecond,
		PersistTimeout:    time.Duration(cfg.Turn.PersistTimeoutMS) * time.Millisecond,
		Reconnect: resilience.NewRetryPolicy(
			cfg.Turn.ReconnectRetries,
			time.Duration(cfg.Turn.ReconnectBackoffMS)*time.Millisecond),
		InboxSize: cfg.Turn.InboxSize,
		Observer:  asyncObs,
		Logger:    slog.Default(),
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Voicebridge Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", manager.Count())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		_ = opts.Transport.Stop()
		manager.CloseAll("shutdown")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		manager:   manager,
		transport: opts.Transport,
		providers: providers,
		runner:    runner.NewLifecycleRunner(drainer, hooks, 30*time.Second),
		asyncObs:  asyncObs,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func buildStore(cfg TranscriptsConfig) (transcript.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "jsonl", "":
		dir := cfg.Dir
		if dir == "" {
			dir = "transcripts"
		}
		return transcript.NewJSONLStore(dir), nil
	case "postgres":
		return transcript.NewPostgresStore(context.Background(), cfg.DSN)
	case "memory":
		return transcript.NewMemoryStore(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transcript store: %s", cfg.Store)
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.routeFrames(ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// routeFrames drives the engine from the transport's frame stream:
// call_start admits a session, audio is routed by call ID, call_end
// (and transport loss) tears the session down.
func (e *Engine) routeFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callID := meta[frames.MetaCallID]
			if callID == "" {
				continue
			}
			switch f.Kind() {
			case frames.KindAudio:
				af := f.(frames.AudioFrame)
				e.manager.HandleAudio(callID, af.RawPayload())
			case frames.KindSystem:
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case "call_start":
					_, err := e.manager.Create(session.StartParams{
						CallID:       callID,
						CustomerID:   meta[frames.MetaCustomerID],
						FromNumber:   meta[frames.MetaFromNumber],
						SystemPrompt: e.cfg.BasePrompt,
						TraceID:      meta[frames.MetaTraceID],
					})
					if err != nil {
						slog.Error("call_admission_failed",
							"call_id", callID,
							"error", err.Error())
					}
				case "call_reconnect":
					slog.Info("call_media_stream_reconnected", "call_id", callID)
				case "call_end":
					reason := meta[frames.MetaCallEndReason]
					if reason == "" {
						reason = "completed"
					}
					e.manager.HandleCallEnd(callID, reason)
				}
			}
		}
	}
}

func (e *Engine) Manager() *session.Manager { return e.manager }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}

func SetDefaultLogger(level, format string) {
	logging.Setup(level, format)
}
