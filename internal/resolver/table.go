package resolver

import (
	"context"
	"net/http"

	"github.com/fabian4/dynamic-router/internal/route"
	"github.com/fabian4/dynamic-router/internal/router"
)

// TableName is the name of the built-in table resolver.
const TableName = "table"

// Table resolves against a routing table. Its results are native routes.
type Table struct {
	T *router.Table
}

func (t Table) Resolve(_ context.Context, host, path string, _ *http.Request) (route.Descriptor, error) {
	if r := t.T.Lookup(host, path); r != nil {
		return r, nil
	}
	return nil, nil
}
