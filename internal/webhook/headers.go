// Package webhook parses the x-ts-* headers that carry a forwarded HTTP
// source request into a run.
package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jobs/durable/internal/taskrun"
)

const (
	HeaderKey         = "x-ts-key"
	HeaderDynamicID   = "x-ts-dynamic-id"
	HeaderSecret      = "x-ts-secret"
	HeaderData        = "x-ts-data"
	HeaderParams      = "x-ts-params"
	HeaderHTTPURL     = "x-ts-http-url"
	HeaderHTTPMethod  = "x-ts-http-method"
	HeaderHTTPHeaders = "x-ts-http-headers"
	HeaderAuth        = "x-ts-auth"
	HeaderMetadata    = "x-ts-metadata"
)

// ParseError names the header that failed and why.
type ParseError struct {
	Header string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("header %s: %s", e.Header, e.Reason)
}

// Request describes the original HTTP request a source received.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// SourceHeaders is the decoded header set of an HTTP source request.
type SourceHeaders struct {
	Key       string                  `json:"key"`
	DynamicID *string                 `json:"dynamicId,omitempty"`
	Secret    string                  `json:"secret"`
	Data      json.RawMessage         `json:"data"`
	Params    json.RawMessage         `json:"params"`
	Request   Request                 `json:"request"`
	Auth      *taskrun.ConnectionAuth `json:"auth,omitempty"`
	Metadata  json.RawMessage         `json:"metadata,omitempty"`
}

// EndpointHeaders is the decoded header set of an HTTP endpoint request.
type EndpointHeaders struct {
	Key     string  `json:"key"`
	Request Request `json:"request"`
}

// WebhookHeaders is the decoded header set of a webhook source request.
type WebhookHeaders struct {
	Key       string          `json:"key"`
	DynamicID *string         `json:"dynamicId,omitempty"`
	Secret    string          `json:"secret"`
	Params    json.RawMessage `json:"params"`
	Request   Request         `json:"request"`
}

func ParseSourceHeaders(h http.Header) (*SourceHeaders, error) {
	p := parser{h: h}
	out := &SourceHeaders{
		Key:       p.required(HeaderKey),
		DynamicID: p.optional(HeaderDynamicID),
		Secret:    p.required(HeaderSecret),
		Data:      p.jsonValue(HeaderData),
		Params:    p.jsonValue(HeaderParams),
		Request:   p.request(),
		Auth:      p.auth(),
	}
	if raw := p.optional(HeaderMetadata); raw != nil {
		out.Metadata = p.decodeJSON(HeaderMetadata, *raw)
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

func ParseEndpointHeaders(h http.Header) (*EndpointHeaders, error) {
	p := parser{h: h}
	out := &EndpointHeaders{
		Key:     p.required(HeaderKey),
		Request: p.request(),
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

func ParseWebhookHeaders(h http.Header) (*WebhookHeaders, error) {
	p := parser{h: h}
	out := &WebhookHeaders{
		Key:       p.required(HeaderKey),
		DynamicID: p.optional(HeaderDynamicID),
		Secret:    p.required(HeaderSecret),
		Params:    p.jsonValue(HeaderParams),
		Request:   p.request(),
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

// parser keeps the first error and turns later calls into no-ops.
type parser struct {
	h   http.Header
	err *ParseError
}

func (p *parser) fail(header, reason string) {
	if p.err == nil {
		p.err = &ParseError{Header: header, Reason: reason}
	}
}

func (p *parser) required(name string) string {
	if p.err != nil {
		return ""
	}
	values, ok := p.h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		p.fail(name, "missing")
		return ""
	}
	return values[0]
}

func (p *parser) optional(name string) *string {
	if p.err != nil {
		return nil
	}
	values, ok := p.h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func (p *parser) jsonValue(name string) json.RawMessage {
	raw := p.required(name)
	if p.err != nil {
		return nil
	}
	return p.decodeJSON(name, raw)
}

func (p *parser) decodeJSON(name, raw string) json.RawMessage {
	if p.err != nil {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		p.fail(name, "malformed JSON")
		return nil
	}
	return json.RawMessage(raw)
}

func (p *parser) request() Request {
	r := Request{
		URL:    p.required(HeaderHTTPURL),
		Method: p.required(HeaderHTTPMethod),
	}
	raw := p.required(HeaderHTTPHeaders)
	if p.err != nil {
		return Request{}
	}
	if err := json.Unmarshal([]byte(raw), &r.Headers); err != nil {
		p.fail(HeaderHTTPHeaders, "expected a JSON object of strings")
		return Request{}
	}
	return r
}

func (p *parser) auth() *taskrun.ConnectionAuth {
	raw := p.optional(HeaderAuth)
	if raw == nil {
		return nil
	}
	var auth taskrun.ConnectionAuth
	if err := json.Unmarshal([]byte(*raw), &auth); err != nil {
		p.fail(HeaderAuth, "malformed JSON")
		return nil
	}
	if err := taskrun.Validator().Struct(auth); err != nil {
		p.fail(HeaderAuth, err.Error())
		return nil
	}
	return &auth
}
