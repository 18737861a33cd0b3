package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/brettbedarf/memfs"
	"github.com/brettbedarf/memfs/internal/util"
	"github.com/dustin/go-humanize"
)

type HTTPMethod = string

const (
	HTTPMethodGet  HTTPMethod = "GET"
	HTTPMethodPost HTTPMethod = "POST"
)

// HTTPSource contains http-specific source request fields
type HTTPSource struct {
	URL     string            `json:"url"`
	Method  *HTTPMethod       `json:"method,omitempty"` // Default is GET
	Headers map[string]string `json:"headers,omitempty"`
}

// HTTPClient is the subset of [http.Client] used by [HTTPAdapter]
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProvider builds [HTTPAdapter]s sharing a single client
type HTTPProvider struct {
	client HTTPClient
}

// NewHTTPProvider returns a provider using client, or [http.DefaultClient] if nil
func NewHTTPProvider(client HTTPClient) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{client: client}
}

// RegisterHTTP registers an [HTTPProvider] with the default client under "http"
func RegisterHTTP(r *Registry) {
	r.Register(HTTPAdapterType, NewHTTPProvider(nil))
}

func (p *HTTPProvider) NewAdapter(raw []byte) (memfs.ContentAdapter, error) {
	var src HTTPSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, err
	}

	src.URL = strings.TrimSpace(src.URL)
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", src.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", src.URL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", src.URL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("invalid url %q: user info is not allowed, use headers", src.URL)
	}

	if src.Method != nil && *src.Method != HTTPMethodGet && *src.Method != HTTPMethodPost {
		return nil, fmt.Errorf("unsupported method %q", *src.Method)
	}

	return &HTTPAdapter{config: &src, client: p.client}, nil
}

// HTTPAdapter implements [memfs.ContentAdapter] for HTTP sources
type HTTPAdapter struct {
	config *HTTPSource
	client HTTPClient
}

func (h *HTTPAdapter) newRequest(ctx context.Context, method HTTPMethod) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.config.URL, nil)
	if err != nil {
		return nil, err
	}

	// Add custom headers
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (h *HTTPAdapter) Open(ctx context.Context) (io.ReadCloser, error) {
	logger := util.GetLogger("HTTPAdapter.Open")
	req, err := h.newRequest(ctx, h.getMethod())
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: unexpected status %s", req.Method, h.config.URL, resp.Status)
	}

	logger.Debug().
		Str("url", h.config.URL).
		Str("length", humanize.IBytes(uint64(max(resp.ContentLength, 0)))).
		Msg("Opened http source")
	return resp.Body, nil
}

func (h *HTTPAdapter) getMethod() HTTPMethod {
	if h.config.Method != nil {
		return *h.config.Method
	}
	return HTTPMethodGet
}
