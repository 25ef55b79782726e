package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/dynamic-router/internal/ratelimit"
	"github.com/fabian4/dynamic-router/internal/route"
)

const (
	DefaultListen         = ":8080"
	DefaultCacheCapacity  = 5000
	DefaultConsulAddress  = "127.0.0.1:8500"
	DefaultConsulWait     = 10 * time.Second
	DefaultConsulPriority = 10

	// resolver names taken by the built-in table and the consul resolver
	ReservedTableName  = "table"
	ReservedConsulName = "consul"
)

type rawRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type rawConfig struct {
	Listen string `yaml:"listen"`
	Admin  struct {
		Listen string `yaml:"listen"`
	} `yaml:"admin"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"cache"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Enabled  *bool    `yaml:"enabled"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	RateLimit rawRateLimit `yaml:"rate_limit"`
	Routes    []struct {
		Src                 string        `yaml:"src"`
		Target              string        `yaml:"target"`
		Targets             []string      `yaml:"targets"`
		UseTargetHostHeader bool          `yaml:"use_target_host_header"`
		RateLimit           *rawRateLimit `yaml:"rate_limit"`
	} `yaml:"routes"`
	Resolvers struct {
		Consul struct {
			Enabled    bool   `yaml:"enabled"`
			Address    string `yaml:"address"`
			Datacenter string `yaml:"datacenter"`
			Token      string `yaml:"token"`
			Tag        string `yaml:"tag"`
			WaitTime   string `yaml:"wait_time"`
			Priority   *int   `yaml:"priority"`
		} `yaml:"consul"`
		Headers []struct {
			Name                string   `yaml:"name"`
			Header              string   `yaml:"header"`
			Value               string   `yaml:"value"`
			Path                string   `yaml:"path"`
			Targets             []string `yaml:"targets"`
			UseTargetHostHeader bool     `yaml:"use_target_host_header"`
			Priority            int      `yaml:"priority"`
		} `yaml:"headers"`
	} `yaml:"resolvers"`
	ACME struct {
		Enabled bool   `yaml:"enabled"`
		RootDir string `yaml:"root_dir"`
	} `yaml:"acme"`
}

type Config struct {
	Listen        string
	AdminListen   string // empty disables the admin API
	Log           LogConfig
	CacheCapacity int
	Timeouts      Timeouts
	AccessLog     AccessLogConfig
	RateLimit     ratelimit.Config // default per-route limit
	Routes        []Route
	Headers       []HeaderResolver
	Consul        ConsulConfig
	ACME          ACMEConfig
}

// Load reads path, expands ${VAR} references from the environment and parses it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(b))))
}

// Parse validates a YAML document and fills in defaults.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:        strings.TrimSpace(rc.Listen),
		AdminListen:   strings.TrimSpace(rc.Admin.Listen),
		Log:           LogConfig{Level: rc.Log.Level, Format: rc.Log.Format},
		CacheCapacity: rc.Cache.Capacity,
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.CacheCapacity < 0 {
		return nil, fmt.Errorf("cache.capacity: must not be negative")
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}

	var err error
	if c.Timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read); err != nil {
		return nil, err
	}
	if c.Timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write); err != nil {
		return nil, err
	}
	if c.Timeouts.Upstream, err = parseDuration("timeouts.upstream", rc.Timeouts.Upstream); err != nil {
		return nil, err
	}

	// access log
	c.AccessLog = AccessLogConfig{Enabled: true, Sampling: 1.0, Fields: rc.AccessLog.Fields}
	if rc.AccessLog.Enabled != nil {
		c.AccessLog.Enabled = *rc.AccessLog.Enabled
	}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be between 0 and 1, got %v", s)
		}
		c.AccessLog.Sampling = s
	}

	if c.RateLimit, err = toRateLimit("rate_limit", rc.RateLimit); err != nil {
		return nil, err
	}

	// routes
	for i, r := range rc.Routes {
		src := strings.TrimSpace(r.Src)
		if src == "" {
			return nil, fmt.Errorf("routes[%d].src: %w: required", i, route.ErrInvalidArgument)
		}
		if _, err := route.ParseSource(src); err != nil {
			return nil, fmt.Errorf("routes[%d].src: %w", i, err)
		}
		raw := r.Targets
		if t := strings.TrimSpace(r.Target); t != "" {
			raw = append([]string{t}, raw...)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("routes[%d]: %w: target or targets is required", i, route.ErrInvalidArgument)
		}
		opts := route.Options{UseTargetHostHeader: r.UseTargetHostHeader}
		targets, err := normalizeTargets(fmt.Sprintf("routes[%d]", i), raw, opts)
		if err != nil {
			return nil, err
		}
		cr := Route{Src: src, Targets: targets, Options: opts}
		if r.RateLimit != nil {
			rl, err := toRateLimit(fmt.Sprintf("routes[%d].rate_limit", i), *r.RateLimit)
			if err != nil {
				return nil, err
			}
			cr.RateLimit = &rl
		}
		c.Routes = append(c.Routes, cr)
	}

	// header resolvers
	seen := make(map[string]bool)
	for i, h := range rc.Resolvers.Headers {
		prefix := fmt.Sprintf("resolvers.headers[%d]", i)
		name := strings.TrimSpace(h.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name: required", prefix)
		}
		if name == ReservedTableName || name == ReservedConsulName {
			return nil, fmt.Errorf("%s.name: %q is reserved", prefix, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s.name: duplicate %q", prefix, name)
		}
		seen[name] = true
		if strings.TrimSpace(h.Header) == "" {
			return nil, fmt.Errorf("%s.header: required", prefix)
		}
		p := strings.TrimSpace(h.Path)
		if p == "" {
			p = "/"
		}
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%s.path: must start with '/'", prefix)
		}
		if len(h.Targets) == 0 {
			return nil, fmt.Errorf("%s.targets: at least one is required", prefix)
		}
		opts := route.Options{UseTargetHostHeader: h.UseTargetHostHeader}
		targets, err := normalizeTargets(prefix, h.Targets, opts)
		if err != nil {
			return nil, err
		}
		c.Headers = append(c.Headers, HeaderResolver{
			Name:                name,
			Header:              strings.TrimSpace(h.Header),
			Value:               strings.TrimSpace(h.Value),
			Path:                p,
			Targets:             targets,
			UseTargetHostHeader: h.UseTargetHostHeader,
			Priority:            h.Priority,
		})
	}

	// consul
	rcc := rc.Resolvers.Consul
	c.Consul = ConsulConfig{
		Enabled:    rcc.Enabled,
		Address:    strings.TrimSpace(rcc.Address),
		Datacenter: rcc.Datacenter,
		Token:      rcc.Token,
		Tag:        rcc.Tag,
		WaitTime:   DefaultConsulWait,
		Priority:   DefaultConsulPriority,
	}
	if c.Consul.Address == "" {
		c.Consul.Address = DefaultConsulAddress
	}
	if rcc.WaitTime != "" {
		if c.Consul.WaitTime, err = parseDuration("resolvers.consul.wait_time", rcc.WaitTime); err != nil {
			return nil, err
		}
	}
	if rcc.Priority != nil {
		c.Consul.Priority = *rcc.Priority
	}

	// acme
	c.ACME = ACMEConfig{Enabled: rc.ACME.Enabled, RootDir: strings.TrimSpace(rc.ACME.RootDir)}
	if c.ACME.Enabled && c.ACME.RootDir == "" {
		return nil, fmt.Errorf("acme.root_dir: required when acme is enabled")
	}

	return c, nil
}

func normalizeTargets(prefix string, raw []string, opts route.Options) ([]string, error) {
	out := make([]string, 0, len(raw))
	for j, s := range raw {
		t, err := route.NewTarget(s, opts)
		if err != nil {
			return nil, fmt.Errorf("%s.targets[%d]: %w", prefix, j, err)
		}
		out = append(out, t.String())
	}
	return out, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func toRateLimit(field string, r rawRateLimit) (ratelimit.Config, error) {
	if r.RequestsPerSecond < 0 || r.Burst < 0 {
		return ratelimit.Config{}, fmt.Errorf("%s: must not be negative", field)
	}
	return ratelimit.Config{RequestsPerSecond: r.RequestsPerSecond, Burst: r.Burst}, nil
}

// RateLimitFor returns the limit for a static route, or the default.
func (c *Config) RateLimitFor(r Route) ratelimit.Config {
	if r.RateLimit != nil {
		return *r.RateLimit
	}
	return c.RateLimit
}
