package twilio

import (
	"context"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API. The call
// SID it returns is the call ID the rest of the pipeline keys on; the
// answered call flows back in through the voice webhook like any
// inbound call.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call. An empty url falls back to the
// configured voice webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places an outbound call with optional settings.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	_ = ctx // twilio-go's REST surface does not take a context
	if err := d.checkDialable(to, from); err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	if url == "" {
		url = d.voiceURL()
	}
	params.SetUrl(url)
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Errorf(errorsx.ReasonTransportDial, "create call returned no sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) checkDialable(to, from string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		return errorsx.Errorf(errorsx.ReasonTransportDial, "to and from numbers are required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return errorsx.Errorf(errorsx.ReasonTransportDial, "twilio credentials are not configured")
	}
	return nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

// voiceURL builds the webhook Twilio fetches TwiML from when the callee
// answers. Without a public URL it points at the local server, which
// only works for same-host testing.
func (d *Dialer) voiceURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}
