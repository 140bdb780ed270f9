package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/yyup/voicebridge/pkg/frames"
)

func installLink(tr *Transport, callID, streamID string) *mediaLink {
	link := &mediaLink{streamID: streamID, sendCh: make(chan []byte, 4)}
	tr.mu.Lock()
	tr.links[callID] = link
	tr.byConn[streamID] = callID
	tr.mu.Unlock()
	return link
}

func TestEmitAudioEncodesPayload(t *testing.T) {
	tr := New(Config{})
	link := installLink(tr, "CA123", "stream-1")

	chunk := []byte{0xFF, 0x7F, 0x00}
	if err := tr.EmitAudio("CA123", chunk); err != nil {
		t.Fatalf("emit audio: %v", err)
	}

	select {
	case msg := <-link.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt, _ := payload["event"].(string); evt != "media" {
			t.Fatalf("event = %q, want media", evt)
		}
		if sid, _ := payload["streamSid"].(string); sid != "stream-1" {
			t.Fatalf("streamSid = %q", sid)
		}
		media, _ := payload["media"].(map[string]any)
		encoded, _ := media["payload"].(string)
		if encoded != base64.StdEncoding.EncodeToString(chunk) {
			t.Fatalf("payload = %q", encoded)
		}
	default:
		t.Fatal("expected media event to be enqueued")
	}
}

func TestEmitAudioWithoutStreamFails(t *testing.T) {
	tr := New(Config{})
	if err := tr.EmitAudio("CA-none", []byte{0xFF}); err == nil {
		t.Fatal("expected error for call without media stream")
	}
}

func TestClearSendsClearEvent(t *testing.T) {
	tr := New(Config{})
	link := installLink(tr, "CA123", "stream-1")

	if err := tr.Clear("CA123"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	select {
	case msg := <-link.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt, _ := payload["event"].(string); evt != "clear" {
			t.Fatalf("event = %q, want clear", evt)
		}
	default:
		t.Fatal("expected clear event to be enqueued")
	}
}

type stubCallUpdater struct {
	lastSID   string
	lastTwiml string
	err       error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Twiml != nil {
		s.lastTwiml = *params.Twiml
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestEmitErrorHangsUpCall(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"})
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.EmitError("CA123", "recognition_unavailable"); err != nil {
		t.Fatalf("emit error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("call sid = %q, want CA123", stub.lastSID)
	}
	if !strings.Contains(stub.lastTwiml, "<Hangup/>") {
		t.Fatalf("twiml = %q, want hangup", stub.lastTwiml)
	}

	stub.err = errors.New("boom")
	if err := tr.EmitError("CA123", "recognition_unavailable"); err == nil {
		t.Fatal("expected error on update failure")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/ws"/>`) {
		t.Fatalf("twiml = %q", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleStatusCallbackEmitsCallEnd(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	installLink(tr, "CA123", "stream-1")

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "CallStatus": "completed"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != "call_end" {
			t.Fatalf("name = %q, want call_end", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "completed" {
			t.Fatalf("reason = %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallID] != "CA123" {
			t.Fatalf("call id = %q", meta[frames.MetaCallID])
		}
	case <-time.After(time.Second):
		t.Fatal("expected call_end frame")
	}

	// The mapping is gone once the call ends.
	if tr.streamForCall("CA123") != "" {
		t.Fatal("stream mapping survived call end")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"completed":        "completed",
		"Hangup":           "completed",
		"busy":             "busy",
		"no-answer":        "no_answer",
		"failed":           "failed",
		"transport_closed": "failed",
		"in-progress":      "",
		"ringing":          "",
		"":                 "",
		"weird":            "unknown",
	}
	for raw, want := range cases {
		if got := normalizeCallEndReason(raw); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
