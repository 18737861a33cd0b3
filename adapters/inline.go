package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/brettbedarf/memfs"
)

// InlineSource carries seed content directly in the request
type InlineSource struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"` // "" or "base64"
}

// InlineProvider builds [InlineAdapter]s
type InlineProvider struct{}

// RegisterInline registers an [InlineProvider] under "inline"
func RegisterInline(r *Registry) {
	r.Register(InlineAdapterType, &InlineProvider{})
}

func (p *InlineProvider) NewAdapter(raw []byte) (memfs.ContentAdapter, error) {
	var src InlineSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, err
	}

	switch src.Encoding {
	case "":
		return &InlineAdapter{data: []byte(src.Data)}, nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(src.Data))
		if err != nil {
			return nil, fmt.Errorf("inline source: %w", err)
		}
		return &InlineAdapter{data: data}, nil
	default:
		return nil, fmt.Errorf("inline source: unknown encoding %q", src.Encoding)
	}
}

// InlineAdapter implements [memfs.ContentAdapter] over bytes held in memory
type InlineAdapter struct {
	data []byte
}

func (a *InlineAdapter) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}
