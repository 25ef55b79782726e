// Package consul resolves routes from services registered in Consul.
//
// Services opt in through their metadata, using numbered keys:
//
//	route_N_host                    host to serve (required)
//	route_N_path_prefix             path prefix, default "/"
//	route_N_scheme                  http or https, default http
//	route_N_use_target_host_header  "true" to send the instance host upstream
//
// N runs from 1 to MaxRoutes. Only passing instances become targets.
package consul

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	consulapi "github.com/hashicorp/consul/api"

	"github.com/fabian4/dynamic-router/internal/logging"
	"github.com/fabian4/dynamic-router/internal/route"
)

const MaxRoutes = 10

type Config struct {
	Datacenter string
	Tag        string
	WaitTime   time.Duration
}

// Route is one discovered (host, path) with its targets.
type Route struct {
	Host       string
	Path       string
	Descriptor route.StructuredDescriptor
}

// Snapshot is an immutable view of every discovered route, grouped by
// host and sorted by descending path length.
type Snapshot struct {
	byHost   map[string][]Route
	services int
}

func (s *Snapshot) Routes(host string) []Route {
	if s == nil {
		return nil
	}
	return s.byHost[host]
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, rs := range s.byHost {
		n += len(rs)
	}
	return n
}

type Resolver struct {
	client *consulapi.Client
	cfg    Config
	log    *log.Logger
	snap   atomic.Pointer[Snapshot]
}

func NewResolver(client *consulapi.Client, cfg Config, logger *log.Logger) *Resolver {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 10 * time.Second
	}
	return &Resolver{client: client, cfg: cfg, log: logging.Or(logger).WithPrefix("consul")}
}

// NewClient builds a Consul API client for address.
func NewClient(address, datacenter, token string) (*consulapi.Client, error) {
	cc := consulapi.DefaultConfig()
	if address != "" {
		cc.Address = address
	}
	cc.Datacenter = datacenter
	cc.Token = token
	return consulapi.NewClient(cc)
}

// Resolve returns the longest discovered prefix of host that matches path.
func (r *Resolver) Resolve(_ context.Context, host, path string, _ *http.Request) (route.Descriptor, error) {
	for _, rt := range r.snap.Load().Routes(route.NormalizeHost(host)) {
		if route.MatchPath(rt.Path, path) {
			return rt.Descriptor, nil
		}
	}
	return nil, nil
}

// Snapshot returns the routes currently served.
func (r *Resolver) Snapshot() *Snapshot { return r.snap.Load() }

// Store replaces the served routes.
func (r *Resolver) Store(s *Snapshot) { r.snap.Store(s) }

// Run long-polls the catalog and rebuilds the snapshot on every change
// until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	var lastIndex uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		q := (&consulapi.QueryOptions{
			Datacenter: r.cfg.Datacenter,
			WaitIndex:  lastIndex,
			WaitTime:   r.cfg.WaitTime,
		}).WithContext(ctx)

		services, meta, err := r.client.Catalog().Services(q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("error fetching services", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		r.log.Debug("catalog changed", "last_index", lastIndex, "new_index", meta.LastIndex)
		lastIndex = meta.LastIndex
		r.refresh(ctx, serviceNames(services))
	}
}

// Refresh fetches the catalog once and rebuilds the snapshot.
func (r *Resolver) Refresh(ctx context.Context) error {
	q := (&consulapi.QueryOptions{Datacenter: r.cfg.Datacenter}).WithContext(ctx)
	services, _, err := r.client.Catalog().Services(q)
	if err != nil {
		return err
	}
	r.refresh(ctx, serviceNames(services))
	return nil
}

func (r *Resolver) refresh(ctx context.Context, names []string) {
	entries := make(map[string][]*consulapi.ServiceEntry, len(names))
	for _, name := range names {
		q := (&consulapi.QueryOptions{Datacenter: r.cfg.Datacenter}).WithContext(ctx)
		es, _, err := r.client.Health().Service(name, r.cfg.Tag, true, q)
		if err != nil {
			r.log.Warn("error fetching healthy entries", "service", name, "err", err)
			continue
		}
		entries[name] = es
	}
	s := BuildSnapshot(entries)
	r.snap.Store(s)
	r.log.Info("discovery snapshot updated", "services", s.services, "routes", s.Len())
}

func serviceNames(services map[string][]string) []string {
	out := make([]string, 0, len(services))
	for name := range services {
		if name != "consul" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type routeMeta struct {
	host    string
	path    string
	scheme  string
	useHost bool
}

// parseMeta reads route_N_* keys from service metadata.
func parseMeta(meta map[string]string) []routeMeta {
	var out []routeMeta
	for n := 1; n <= MaxRoutes; n++ {
		p := "route_" + strconv.Itoa(n) + "_"
		host := route.NormalizeHost(meta[p+"host"])
		if host == "" {
			continue
		}
		rm := routeMeta{host: host, path: strings.TrimSpace(meta[p+"path_prefix"]), scheme: "http"}
		if rm.path == "" {
			rm.path = "/"
		}
		if !strings.HasPrefix(rm.path, "/") {
			rm.path = "/" + rm.path
		}
		if s := strings.ToLower(strings.TrimSpace(meta[p+"scheme"])); s == "https" {
			rm.scheme = s
		}
		rm.useHost, _ = strconv.ParseBool(meta[p+"use_target_host_header"])
		out = append(out, rm)
	}
	return out
}

// BuildSnapshot turns healthy service entries into routes. Instances of
// every service advertising the same (host, path) share one route; their
// URLs are sorted so equal sets produce equal descriptors.
func BuildSnapshot(entries map[string][]*consulapi.ServiceEntry) *Snapshot {
	type key struct{ host, path string }
	acc := make(map[key]*Route)
	seen := make(map[key]map[string]bool)

	for _, es := range entries {
		for _, e := range es {
			if e == nil || e.Service == nil {
				continue
			}
			addr := e.Service.Address
			if addr == "" && e.Node != nil {
				addr = e.Node.Address
			}
			if addr == "" || e.Service.Port <= 0 {
				continue
			}
			hostPort := net.JoinHostPort(addr, strconv.Itoa(e.Service.Port))
			for _, rm := range parseMeta(e.Service.Meta) {
				k := key{rm.host, rm.path}
				rt, ok := acc[k]
				if !ok {
					rt = &Route{Host: rm.host, Path: rm.path, Descriptor: route.StructuredDescriptor{
						Path:                rm.path,
						UseTargetHostHeader: rm.useHost,
					}}
					acc[k] = rt
					seen[k] = make(map[string]bool)
				}
				u := rm.scheme + "://" + hostPort
				if !seen[k][u] {
					seen[k][u] = true
					rt.Descriptor.URLs = append(rt.Descriptor.URLs, u)
				}
			}
		}
	}

	s := &Snapshot{byHost: make(map[string][]Route), services: len(entries)}
	for _, rt := range acc {
		sort.Strings(rt.Descriptor.URLs)
		s.byHost[rt.Host] = append(s.byHost[rt.Host], *rt)
	}
	for h, rs := range s.byHost {
		sort.Slice(rs, func(i, j int) bool {
			if len(rs[i].Path) != len(rs[j].Path) {
				return len(rs[i].Path) > len(rs[j].Path)
			}
			return rs[i].Path < rs[j].Path
		})
		s.byHost[h] = rs
	}
	return s
}
