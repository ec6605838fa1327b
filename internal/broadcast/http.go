package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// Payload kinds.
const (
	KindBlock       = "BLOCK"
	KindEvent       = "EVENT"
	KindTransaction = "TRANSACTION"
	KindMessage     = "MESSAGE"
)

// Payload is the data passed to templates and raw webhook bodies.
type Payload struct {
	Kind        string             `json:"type"`
	Block       *chain.Block       `json:"block,omitempty"`
	Event       *event.Occurrence  `json:"event,omitempty"`
	Transaction *event.Transaction `json:"transaction,omitempty"`
	Message     *event.Message     `json:"message,omitempty"`
}

const defaultTemplate = `{{if .Event}}{{.Kind}} {{.Event.Name}} {{.Event.Status}} {{.Event.Node}} {{short_addr .Event.TxHash}}` +
	`{{else if .Block}}{{.Kind}} {{.Block.Node}} {{.Block.Number}}` +
	`{{else if .Transaction}}{{.Kind}} {{.Transaction.Node}} {{short_addr .Transaction.Hash}} {{.Transaction.Status}}` +
	`{{else if .Message}}{{.Kind}} {{.Message.Type}}{{end}}`

// HTTPPublisher posts payloads to a webhook endpoint.
type HTTPPublisher struct {
	url     string
	method  string
	render  *template.Template
	raw     bool
	client  *http.Client
	headers map[string]string
}

// NewWebhookPublisher builds a generic HTTP publisher. Without a template
// the payload is posted as JSON; with one, the rendered text is wrapped
// as {"text": ...}.
func NewWebhookPublisher(url, method, tmpl string, headers map[string]string) (*HTTPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	p := &HTTPPublisher{
		url:     url,
		method:  strings.ToUpper(method),
		client:  defaultClient(),
		headers: headers,
		raw:     tmpl == "",
	}
	if !p.raw {
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		p.render = t
	}
	return p, nil
}

// NewSlackPublisher builds a Slack-compatible webhook publisher.
func NewSlackPublisher(url, tmpl string) (*HTTPPublisher, error) {
	return newTextPublisher(url, tmpl)
}

// NewTeamsPublisher builds a Teams-compatible webhook publisher.
func NewTeamsPublisher(url, tmpl string) (*HTTPPublisher, error) {
	// Teams accepts simple {text: "..."} payloads.
	return newTextPublisher(url, tmpl)
}

func newTextPublisher(url, tmpl string) (*HTTPPublisher, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	return NewWebhookPublisher(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (p *HTTPPublisher) PublishBlock(ctx context.Context, b chain.Block) error {
	return p.send(ctx, Payload{Kind: KindBlock, Block: &b})
}

func (p *HTTPPublisher) PublishEvent(ctx context.Context, o event.Occurrence) error {
	return p.send(ctx, Payload{Kind: KindEvent, Event: &o})
}

func (p *HTTPPublisher) PublishTransaction(ctx context.Context, tx event.Transaction) error {
	return p.send(ctx, Payload{Kind: KindTransaction, Transaction: &tx})
}

func (p *HTTPPublisher) PublishMessage(ctx context.Context, m event.Message) error {
	return p.send(ctx, Payload{Kind: KindMessage, Message: &m})
}

func (p *HTTPPublisher) send(ctx context.Context, payload Payload) error {
	reqBody, err := p.body(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast http status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPublisher) body(payload Payload) ([]byte, error) {
	if p.raw {
		out, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return out, nil
	}
	text, err := executeTemplate(p.render, payload)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return out, nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
