package route

// Descriptor is what a resolver hands back for a request. It is one of
// StringTarget, StructuredDescriptor (or a pointer to one), or *PathRoute.
type Descriptor interface {
	isDescriptor()
}

// StringTarget is a bare target URI. It resolves to a route at "/" with one target.
type StringTarget string

// StructuredDescriptor names one or more target URIs under an optional path.
type StructuredDescriptor struct {
	URLs                []string
	Path                string // defaults to "/"
	UseTargetHostHeader bool
}

func (StringTarget) isDescriptor()         {}
func (StructuredDescriptor) isDescriptor() {}

// A *PathRoute is a native route: already normalized, it bypasses the cache
// and is trusted without a path check.
func (*PathRoute) isDescriptor() {}
