// Package httpsmsc implements the HTTP aggregator driver family: each
// variant maps outgoing messages to a request, parses the aggregator's
// reply and accepts MO traffic on a small HTTP server.
package httpsmsc

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo"

	"smsgw/msg"
	"smsgw/octet"
)

// Variant is one aggregator dialect.
type Variant interface {
	Name() string
	// Request builds the MT request.
	Request(cfg *Config, m *msg.Msg) (*http.Request, error)
	// ParseReply maps the response to success (nil) or an error; a
	// *RejectError marks a permanent reject.
	ParseReply(status int, body []byte) error
	// ReceiveSMS parses an inbound MO request. A nil message with a
	// non-nil error means the request was bad; the reply body goes back
	// to the aggregator either way.
	ReceiveSMS(cfg *Config, ctx echo.Context) (*msg.Msg, error)
	// AcceptBody is sent back for an accepted MO.
	AcceptBody() string
}

// RejectError marks a reply that means the aggregator refused the
// message for good.
type RejectError struct{ Detail string }

func (e *RejectError) Error() string { return e.Detail }

// NewVariant maps the configured system-type to its dialect.
func NewVariant(name string) (Variant, error) {
	switch strings.ToLower(name) {
	case "kannel":
		return kannel{}, nil
	case "brunet":
		return brunet{}, nil
	case "xidris":
		return xidris{}, nil
	case "wapme":
		return wapme{}, nil
	}
	return nil, fmt.Errorf("httpsmsc: unknown system type %q", name)
}

func bufStr(b *octet.Buffer) string {
	if b == nil {
		return ""
	}
	return b.String()
}

func get(cfg *Config, rawURL string) (*http.Request, error) {
	return http.NewRequest(http.MethodGet, rawURL, nil)
}

// kannel talks to another gateway's sendsms interface.
type kannel struct{}

func (kannel) Name() string { return "kannel" }

func (kannel) Request(cfg *Config, m *msg.Msg) (*http.Request, error) {
	s := &m.SMS
	q := url.Values{}
	q.Set("username", cfg.Username)
	q.Set("password", cfg.Password)
	q.Set("to", bufStr(s.Receiver))
	q.Set("from", bufStr(s.Sender))
	q.Set("text", bufStr(s.MsgData))
	if s.UDHData != nil && s.UDHData.Len() > 0 {
		q.Set("udh", s.UDHData.String())
	}
	if s.Coding != msg.CodingUndefined {
		q.Set("coding", strconv.Itoa(int(s.Coding)))
	}
	if s.MClass >= 0 {
		q.Set("mclass", strconv.Itoa(int(s.MClass)))
	}
	if s.MWI >= 0 {
		q.Set("mwi", strconv.Itoa(int(s.MWI)))
	}
	if s.Account != nil {
		q.Set("account", s.Account.String())
	}
	if s.BInfo != nil {
		q.Set("binfo", s.BInfo.String())
	}
	if s.SMSCID != nil {
		q.Set("smsc", s.SMSCID.String())
	}
	if s.DLRURL != nil {
		q.Set("dlr-url", s.DLRURL.String())
	}
	if s.DLRMask != 0 {
		q.Set("dlr-mask", strconv.Itoa(int(s.DLRMask)))
	}
	return get(cfg, cfg.SendURL+"?"+q.Encode())
}

var kannelAccepts = []string{"Sent.", "Ok.", "Result: OK"}

func (kannel) ParseReply(status int, body []byte) error {
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("http status %d", status)
	}
	text := strings.TrimSpace(string(body))
	for _, ok := range kannelAccepts {
		if strings.HasPrefix(text, ok) {
			return nil
		}
	}
	return &RejectError{Detail: fmt.Sprintf("reply %q", text)}
}

func (kannel) ReceiveSMS(cfg *Config, ctx echo.Context) (*msg.Msg, error) {
	if cfg.Username != "" &&
		(ctx.QueryParam("username") != cfg.Username ||
			ctx.QueryParam("password") != cfg.Password) {
		return nil, fmt.Errorf("bad credentials")
	}
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(ctx.QueryParam("from"))
	m.SMS.Receiver = octet.FromString(ctx.QueryParam("to"))
	m.SMS.MsgData = octet.FromString(ctx.QueryParam("text"))
	if udh := ctx.QueryParam("udh"); udh != "" {
		m.SMS.UDHData = octet.FromString(udh)
	}
	if coding, err := strconv.Atoi(ctx.QueryParam("coding")); err == nil {
		m.SMS.Coding = msg.Coding(coding)
	}
	return m, nil
}

func (kannel) AcceptBody() string { return "Sent." }

// brunet is the Brunet aggregator dialect.
type brunet struct{}

func (brunet) Name() string { return "brunet" }

func (brunet) Request(cfg *Config, m *msg.Msg) (*http.Request, error) {
	s := &m.SMS
	q := url.Values{}
	q.Set("CustomerId", cfg.Username)
	q.Set("MsIsdn", strings.TrimPrefix(bufStr(s.Receiver), "+"))
	q.Set("Orig", bufStr(s.Sender))
	q.Set("Text", bufStr(s.MsgData))
	if s.ID != nil {
		q.Set("TrackingId", s.ID.String())
	}
	return get(cfg, cfg.SendURL+"?"+q.Encode())
}

func (brunet) ParseReply(status int, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("http status %d", status)
	}
	if strings.Contains(string(body), "Status=0") {
		return nil
	}
	return &RejectError{Detail: strings.TrimSpace(string(body))}
}

func (brunet) ReceiveSMS(cfg *Config, ctx echo.Context) (*msg.Msg, error) {
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(ctx.QueryParam("MsIsdn"))
	m.SMS.Receiver = octet.FromString(ctx.QueryParam("Orig"))
	m.SMS.MsgData = octet.FromString(ctx.QueryParam("Text"))
	return m, nil
}

func (brunet) AcceptBody() string { return "Status=0" }

// xidris is the Xidris aggregator dialect.
type xidris struct{}

func (xidris) Name() string { return "xidris" }

func (xidris) Request(cfg *Config, m *msg.Msg) (*http.Request, error) {
	s := &m.SMS
	q := url.Values{}
	q.Set("app_id", cfg.Username)
	q.Set("key", cfg.Password)
	q.Set("dest_addr", strings.TrimPrefix(bufStr(s.Receiver), "+"))
	q.Set("source_addr", bufStr(s.Sender))
	q.Set("type", "text")
	q.Set("message", bufStr(s.MsgData))
	return get(cfg, cfg.SendURL+"?"+q.Encode())
}

func (xidris) ParseReply(status int, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("http status %d", status)
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "0") {
		return nil
	}
	return &RejectError{Detail: text}
}

func (xidris) ReceiveSMS(cfg *Config, ctx echo.Context) (*msg.Msg, error) {
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(ctx.QueryParam("source_addr"))
	m.SMS.Receiver = octet.FromString(ctx.QueryParam("dest_addr"))
	m.SMS.MsgData = octet.FromString(ctx.QueryParam("message"))
	return m, nil
}

func (xidris) AcceptBody() string { return "0" }

// wapme is the Wapme aggregator dialect; the aggregator side requires
// TLS, which the shared HTTP client handles from the send-url scheme.
type wapme struct{}

func (wapme) Name() string { return "wapme" }

func (wapme) Request(cfg *Config, m *msg.Msg) (*http.Request, error) {
	s := &m.SMS
	q := url.Values{}
	q.Set("Source", bufStr(s.Sender))
	q.Set("Destination", strings.TrimPrefix(bufStr(s.Receiver), "+"))
	q.Set("SMSText", bufStr(s.MsgData))
	req, err := get(cfg, cfg.SendURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return req, nil
}

func (wapme) ParseReply(status int, body []byte) error {
	if status == http.StatusOK || status == http.StatusAccepted {
		return nil
	}
	return &RejectError{Detail: fmt.Sprintf("http status %d", status)}
}

func (wapme) ReceiveSMS(cfg *Config, ctx echo.Context) (*msg.Msg, error) {
	m := msg.New(msg.TypeSMS)
	m.SMS.Type = msg.SMSTypeMO
	m.SMS.Sender = octet.FromString(ctx.QueryParam("Source"))
	m.SMS.Receiver = octet.FromString(ctx.QueryParam("Destination"))
	m.SMS.MsgData = octet.FromString(ctx.QueryParam("SMSText"))
	return m, nil
}

func (wapme) AcceptBody() string { return "OK" }
