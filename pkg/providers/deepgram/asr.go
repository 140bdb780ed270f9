package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/yyup/voicebridge/pkg/adapters/asr"
	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Interim        bool
	UtteranceEndMS int
	CallID         string
	TraceID        string
}

// StreamingRecognizer wraps one Deepgram live-transcription connection.
// One instance serves one connection attempt; the session layer builds a
// fresh instance when it reconnects.
type StreamingRecognizer struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan asr.Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	closeOnce  sync.Once
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingRecognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_asr")
	return &StreamingRecognizer{
		cfg:    cfg,
		out:    make(chan asr.Event, 256),
		logger: logger,
	}
}

func (s *StreamingRecognizer) Name() string { return "deepgram_streaming" }

func (s *StreamingRecognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("call_id", s.cfg.CallID),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("call_id", s.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("call_id", s.cfg.CallID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonASRConnect)
	}

	s.logger.Info("deepgram_connected",
		slog.String("call_id", s.cfg.CallID),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("call_id", s.cfg.CallID))
			s.emit(asr.Event{Err: errorsx.Wrap(err, errorsx.ReasonASRStream)})
		}
	}()
	return nil
}

func (s *StreamingRecognizer) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("closing deepgram connection",
			slog.String("call_id", s.cfg.CallID))
		if s.cancel != nil {
			s.cancel()
		}
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
	return nil
}

// SendAudio forwards one 16 kHz PCM chunk. Each chunk is written to the
// provider pipe as it arrives; buffering here was measured to add over a
// second of round-trip delay, so there is none.
func (s *StreamingRecognizer) SendAudio(pcm []byte) error {
	if s.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("recognizer not started"), errorsx.ReasonASRSend)
	}
	if _, err := s.pipeWriter.Write(pcm); err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("call_id", s.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonASRSend)
	}
	return nil
}

func (s *StreamingRecognizer) Results() <-chan asr.Event { return s.out }

func (s *StreamingRecognizer) emit(ev asr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("call_id", s.cfg.CallID))
	}
}

type callback struct {
	parent *StreamingRecognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	c.parent.logger.Debug("transcript_received",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.Bool("is_final", isFinal))

	c.parent.emit(asr.Event{Result: &asr.Result{Text: transcript, IsFinal: isFinal}})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("call_id", c.parent.cfg.CallID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(asr.Event{Err: errorsx.Wrap(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonASRStream)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("data", string(byData)))
	return nil
}

var _ asr.StreamingRecognizer = (*StreamingRecognizer)(nil)
