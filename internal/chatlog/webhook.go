package chatlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/internal/resilience"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/memory"
)

const defaultWebhookTimeout = 10 * time.Second

// ErrWebhookStatus is returned (wrapped in a [*StatusError]) when a webhook
// answers with a non-2xx status.
var ErrWebhookStatus = errors.New("chatlog: webhook returned non-2xx status")

// StatusError carries the status code of a failed webhook call.
type StatusError struct {
	URL    string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chatlog: webhook %s: status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("chatlog: webhook %s: status %d: %s", e.URL, e.Code, e.Detail)
}

// Unwrap lets errors.Is match [ErrWebhookStatus].
func (e *StatusError) Unwrap() error { return ErrWebhookStatus }

// ChatLogPayload is the JSON body posted for every committed message.
type ChatLogPayload struct {
	SessionID   string `json:"sessionId"`
	ServiceType string `json:"serviceType"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	CompanyName string `json:"companyName"`
	Phone       string `json:"phone"`
	Timestamp   string `json:"timestamp"`
}

// RequirementsPayload is the JSON body posted when a lead is submitted.
type RequirementsPayload struct {
	SessionID   string               `json:"sessionId"`
	ServiceType string               `json:"serviceType"`
	Transcript  []transcript.Message `json:"transcript"`
	CompanyName string               `json:"companyName"`
	Phone       string               `json:"phone"`
	SubmittedAt string               `json:"submittedAt"`
}

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the HTTP client. The default client has a 10 s
// timeout and an OpenTelemetry transport.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithBreaker sets the circuit breaker guarding the endpoint.
func WithBreaker(cb *resilience.CircuitBreaker) WebhookOption {
	return func(w *Webhook) { w.breaker = cb }
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.header.Set(key, value) }
}

// Webhook posts JSON documents to one HTTP endpoint. It is safe for
// concurrent use.
type Webhook struct {
	name    string
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	header  http.Header
}

// NewWebhook returns a Webhook for url. name labels metrics and logs.
func NewWebhook(name, url string, opts ...WebhookOption) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("chatlog: webhook url must not be empty")
	}
	w := &Webhook{
		name:   name,
		url:    url,
		header: make(http.Header),
		client: &http.Client{
			Timeout:   defaultWebhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(w)
	}
	if w.breaker == nil {
		w.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "webhook:" + name})
	}
	return w, nil
}

// Name implements [Sink].
func (w *Webhook) Name() string { return w.name }

// Write implements [Sink] by posting a [ChatLogPayload].
func (w *Webhook) Write(ctx context.Context, e memory.Entry) error {
	return w.Post(ctx, ChatLogPayload{
		SessionID:   e.SessionID,
		ServiceType: e.ServiceType,
		Role:        e.Role,
		Content:     e.Content,
		CompanyName: e.CompanyName,
		Phone:       e.Phone,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Post marshals body and sends it. A non-2xx answer returns a [*StatusError].
func (w *Webhook) Post(ctx context.Context, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chatlog: marshal %s payload: %w", w.name, err)
	}

	ctx, span := observe.StartSpan(ctx, "webhook."+w.name)
	err = w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.send(ctx, buf)
	})
	observe.EndSpan(span, err)
	return err
}

func (w *Webhook) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chatlog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.header {
		req.Header[k] = v
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("chatlog: post %s: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: w.url, Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SubmitRequirements posts the full transcript of a lead.
func (w *Webhook) SubmitRequirements(ctx context.Context, p RequirementsPayload) error {
	if p.SubmittedAt == "" {
		p.SubmittedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if p.Transcript == nil {
		p.Transcript = []transcript.Message{}
	}
	return w.Post(ctx, p)
}

// Check reports an error while the endpoint's circuit breaker is open. It
// makes no request and suits an optional readiness check.
func (w *Webhook) Check(context.Context) error {
	if st := w.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("chatlog: webhook %s: %w", w.name, resilience.ErrCircuitOpen)
	}
	return nil
}
