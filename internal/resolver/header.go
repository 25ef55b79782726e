package resolver

import (
	"context"
	"net/http"
	"strings"

	"github.com/fabian4/dynamic-router/internal/route"
)

// Header routes requests carrying a given header to a fixed set of
// targets. It is used for canary and A/B routing.
type Header struct {
	Name  string // header name
	Value string // empty matches any value
	Route route.StructuredDescriptor
}

func (h Header) Resolve(_ context.Context, _, _ string, req *http.Request) (route.Descriptor, error) {
	if req == nil {
		return nil, nil
	}
	vals := req.Header.Values(h.Name)
	if len(vals) == 0 {
		return nil, nil
	}
	if h.Value == "" {
		return h.Route, nil
	}
	for _, v := range vals {
		if strings.EqualFold(strings.TrimSpace(v), h.Value) {
			return h.Route, nil
		}
	}
	return nil, nil
}
