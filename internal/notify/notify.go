// Package notify delivers call reports to a chat webhook.
//
// Two independent deliveries hit the same endpoint: a JSON embed built from a
// calls.NotificationEvent, and a multipart upload carrying the compressed
// recording. Neither one depends on the other succeeding. Failures come back
// as errors wrapping ErrDeliveryFailed and are never retried here.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"cdrwatch/internal/calls"

	"github.com/go-resty/resty/v2"
)

const (
	userAgent  = "cdrwatch/1.0"
	maxErrBody = 512
)

// ErrDeliveryFailed wraps transport errors and non-2xx responses.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

const (
	DefaultTitle = "Call Ended"
	DefaultColor = 16738740
)

// Notifier is the delivery surface used by the monitor loop.
type Notifier interface {
	SendEvent(ctx context.Context, ev calls.NotificationEvent) error
	SendAttachment(ctx context.Context, path string) error
}

// Options configures a Webhook. URL is treated as a secret and never logged.
type Options struct {
	URL string
	// Token, when set, is sent as "Authorization: Bearer <token>".
	Token   string
	Title   string
	Color   int
	Footer  string
	Timeout time.Duration
}

// Webhook posts Discord-compatible payloads.
type Webhook struct {
	client *resty.Client
	url    string
	title  string
	color  int
	footer string
	now    func() time.Time
}

func NewWebhook(opts Options) (*Webhook, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = DefaultTitle
	}
	color := opts.Color
	if color <= 0 {
		color = DefaultColor
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)
	if tok := strings.TrimSpace(opts.Token); tok != "" {
		client.SetAuthToken(tok)
	}

	return &Webhook{
		client: client,
		url:    url,
		title:  title,
		color:  color,
		footer: strings.TrimSpace(opts.Footer),
		now:    time.Now,
	}, nil
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title     string        `json:"title"`
	Color     int           `json:"color"`
	Fields    []calls.Field `json:"fields"`
	Footer    *embedFooter  `json:"footer,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

func (w *Webhook) payload(ev calls.NotificationEvent) webhookPayload {
	e := embed{
		Title:     w.title,
		Color:     w.color,
		Fields:    ev.Fields,
		Timestamp: w.now().UTC().Format(time.RFC3339),
	}
	if w.footer != "" {
		e.Footer = &embedFooter{Text: w.footer}
	}
	return webhookPayload{Embeds: []embed{e}}
}

func (w *Webhook) SendEvent(ctx context.Context, ev calls.NotificationEvent) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(w.payload(ev)).
		Post(w.url)
	return checkResponse("event", resp, err)
}

func (w *Webhook) SendAttachment(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: attachment: %w", ErrDeliveryFailed, err)
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetFile("file", path).
		Post(w.url)
	return checkResponse("attachment", resp, err)
}

func checkResponse(kind string, resp *resty.Response, err error) error {
	if err != nil {
		// *url.Error embeds the request URL, which carries the webhook token.
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("%w: %s: %s: %w", ErrDeliveryFailed, kind, ue.Op, ue.Err)
		}
		return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, kind, err)
	}
	if !resp.IsSuccess() {
		body := truncate(strings.TrimSpace(resp.String()), maxErrBody)
		return fmt.Errorf("%w: %s: webhook returned %d: %s", ErrDeliveryFailed, kind, resp.StatusCode(), body)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Noop drops every delivery. Used in local runs without a webhook.
type Noop struct{}

func (Noop) SendEvent(context.Context, calls.NotificationEvent) error { return nil }
func (Noop) SendAttachment(context.Context, string) error             { return nil }
