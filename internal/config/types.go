package config

import (
	"time"

	"github.com/fabian4/dynamic-router/internal/ratelimit"
	"github.com/fabian4/dynamic-router/internal/route"
)

// Route is one static src -> targets registration.
type Route struct {
	Src       string
	Targets   []string // normalized target URIs, non-empty
	Options   route.Options
	RateLimit *ratelimit.Config // nil means the global default
}

// HeaderResolver routes requests carrying Header (optionally equal to
// Value) to Targets.
type HeaderResolver struct {
	Name                string
	Header              string
	Value               string
	Path                string
	Targets             []string
	UseTargetHostHeader bool
	Priority            int
}

type ConsulConfig struct {
	Enabled    bool
	Address    string
	Datacenter string
	Token      string
	Tag        string
	WaitTime   time.Duration
	Priority   int
}

type ACMEConfig struct {
	Enabled bool
	RootDir string
}

type AccessLogConfig struct {
	Enabled  bool
	Sampling float64  // 0.0 - 1.0
	Fields   []string // empty = all
}

type LogConfig struct {
	Level  string
	Format string
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}
