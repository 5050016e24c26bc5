package trace

import (
	"strings"
	"time"
)

// Capture is a raw HTTP exchange with an LLM provider, recorded by an SDK
// proxy before any parsing happens. The ingest pipeline derives the provider
// URL from it, hands it to a parser, and keeps the raw bytes for replay.
type Capture struct {
	Method          string            `json:"method"`
	RequestPath     string            `json:"request_path"`
	StatusCode      int               `json:"status_code"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Path            *string           `json:"path,omitempty"`
}

// URL resolves the provider endpoint the capture hit. An explicit url in
// the metadata wins; otherwise it is reassembled from the Host header and
// the request path.
func (c *Capture) URL() string {
	if u, ok := c.Metadata["url"].(string); ok && u != "" {
		return u
	}
	host := c.Header("Host")
	if host == "" {
		return c.RequestPath
	}
	return "https://" + host + c.RequestPath
}

// Header looks up a request header by name, case-insensitively.
func (c *Capture) Header(name string) string {
	for k, v := range c.RequestHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Failed reports whether the exchange errored, either at transport level or
// with a non-2xx provider status.
func (c *Capture) Failed() bool {
	if c.Error != "" {
		return true
	}
	return c.StatusCode < 200 || c.StatusCode >= 300
}
