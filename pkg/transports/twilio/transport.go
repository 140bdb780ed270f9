package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/frames"
	"github.com/yyup/voicebridge/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	ErrorAnnouncement  string   `mapstructure:"error_announcement"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.ErrorAnnouncement == "" {
		c.ErrorAnnouncement = "We are unable to continue this call. Goodbye."
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio Media Streams to the frame boundary. Calls
// are keyed by Twilio call SID; the media stream SID is connection
// detail kept private to this package, so a stream reconnect keeps the
// same call identity.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	pts      *frames.PTSGen

	updateClient callUpdater

	mu      sync.Mutex
	links   map[string]*mediaLink // keyed by call ID
	byConn  map[string]string     // stream SID -> call ID
	traces  map[string]string     // call ID -> trace ID
	callers map[string]string     // call ID -> caller number

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:  make(chan frames.Frame, 512),
		pts:     frames.NewPTSGen(),
		links:   make(map[string]*mediaLink),
		byConn:  make(map[string]string),
		traces:  make(map[string]string),
		callers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicHTTPURL(t.cfg.VoicePath),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, link := range t.links {
		_ = link.close()
	}
	t.links = make(map[string]*mediaLink)
	t.byConn = make(map[string]string)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP accepts one Twilio media-stream websocket and translates
// its event stream into frames.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var callID string
	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || evt.Start.CallSID == "" {
				continue
			}
			callID = evt.Start.CallSID
			streamID = evt.Start.StreamID
			reconnect := t.attach(callID, streamID, evt.Start.From, conn)
			meta := t.metaForCall(callID)
			meta[frames.MetaSource] = "transport"
			name := "call_start"
			if reconnect {
				name = "call_reconnect"
			}
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(callID, t.pts.Next(callID), name, meta))
		case "media":
			if evt.Media == nil || callID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForCall(callID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
			nonBlockingSend(t.recvCh, frames.NewAudioFrame(callID, t.pts.Next(callID), payload, 8000, 1, meta))
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.emitCallEnd(callID, reason)
			t.detach(callID, streamID)
			return
		}
	}
	// Socket dropped without a stop event. If the call still maps to
	// this stream the call is over; a reconnect would have remapped it.
	if callID != "" && t.streamForCall(callID) == streamID {
		t.emitCallEnd(callID, normalizeCallEndReason("transport_closed"))
		t.detach(callID, streamID)
	}
}

// EmitAudio queues companded audio for playback on the call.
func (t *Transport) EmitAudio(callID string, chunk []byte) error {
	link := t.link(callID)
	if link == nil {
		return errorsx.Wrap(errors.New("no media stream for call "+callID), errorsx.ReasonTransportSend)
	}
	msg := map[string]any{
		"event":     "media",
		"streamSid": link.streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(chunk),
		},
	}
	return link.enqueue(msg)
}

// Clear tells Twilio to drop buffered playback audio for the call.
func (t *Transport) Clear(callID string) error {
	link := t.link(callID)
	if link == nil {
		return nil
	}
	return link.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": link.streamID,
	})
}

// EmitError announces the failure to the caller and hangs the call up
// through the REST API.
func (t *Transport) EmitError(callID string, reason string) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTransportSend)
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	slog.Warn("twilio_call_error_hangup",
		"call_id", callID,
		"reason", reason)
	params := &api.UpdateCallParams{}
	params.SetTwiml(`<Response><Say>` + xmlEscape(t.cfg.ErrorAnnouncement) + `</Say><Hangup/></Response>`)
	if _, err := updater.UpdateCall(callID, params); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// Dial places an outbound call through the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

// DialWithOptions places an outbound call with optional parameters.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<Response><Connect><Stream url="` + t.websocketURL(r) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if callID == "" || reason == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.emitCallEnd(callID, reason)
	t.detach(callID, t.streamForCall(callID))
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) emitCallEnd(callID, reason string) {
	if callID == "" {
		return
	}
	meta := t.metaForCall(callID)
	meta[frames.MetaCallEndReason] = reason
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(callID, t.pts.Next(callID), "call_end", meta))
}

// attach binds the call to a fresh media stream, closing the stale one
// on reconnect. Returns whether this replaced an existing stream.
func (t *Transport) attach(callID, streamID, from string, conn *websocket.Conn) bool {
	link := &mediaLink{
		streamID: streamID,
		conn:     conn,
		sendCh:   make(chan []byte, 256),
	}
	t.mu.Lock()
	old := t.links[callID]
	t.links[callID] = link
	t.byConn[streamID] = callID
	if old != nil {
		delete(t.byConn, old.streamID)
	}
	if _, ok := t.traces[callID]; !ok {
		t.traces[callID] = uuid.NewString()
	}
	if from != "" {
		t.callers[callID] = from
	}
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	go link.loop()
	return old != nil
}

func (t *Transport) detach(callID, streamID string) {
	t.mu.Lock()
	link := t.links[callID]
	if link != nil && link.streamID != streamID {
		// The call already moved to a newer stream.
		t.mu.Unlock()
		return
	}
	delete(t.links, callID)
	delete(t.byConn, streamID)
	delete(t.traces, callID)
	delete(t.callers, callID)
	t.mu.Unlock()
	t.pts.Release(callID)
	if link != nil {
		_ = link.close()
	}
}

func (t *Transport) link(callID string) *mediaLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[callID]
}

func (t *Transport) streamForCall(callID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if link := t.links[callID]; link != nil {
		return link.streamID
	}
	return ""
}

func (t *Transport) metaForCall(callID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaCallID: callID}
	if link := t.links[callID]; link != nil {
		meta[frames.MetaStreamID] = link.streamID
	}
	if v := t.traces[callID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.callers[callID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// mediaLink is one live websocket to Twilio. Writes go through a
// buffered channel so a slow socket never blocks the session layer.
type mediaLink struct {
	streamID string
	conn     *websocket.Conn
	sendCh   chan []byte
	closed   atomic.Bool
}

func (l *mediaLink) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case l.sendCh <- b:
	default:
	}
	return nil
}

func (l *mediaLink) loop() {
	for msg := range l.sendCh {
		_ = l.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (l *mediaLink) close() error {
	if l.closed.CompareAndSwap(false, true) {
		close(l.sendCh)
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

type StreamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

// StreamEvent is one message on a Twilio media-stream websocket.
type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
