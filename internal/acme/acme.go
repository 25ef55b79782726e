// Package acme stores ACME http-01 challenge responses on disk and serves
// them back on /.well-known/acme-challenge/.
package acme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/google/uuid"

	"github.com/fabian4/dynamic-router/internal/route"
)

var (
	ErrNotFound   = errors.New("challenge not found")
	ErrInvalidKey = errors.New("invalid challenge key")
)

// Store keeps one file per challenge at <root>/<domain>/<token>.
type Store struct {
	root string
}

var _ challenge.Provider = (*Store)(nil)

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: acme root dir is required", route.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create acme root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) file(domain, token string) (string, error) {
	d := route.NormalizeHost(domain)
	if !validComponent(d) || !validComponent(token) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, domain, token)
	}
	return filepath.Join(s.root, d, token), nil
}

// validComponent accepts names that stay a single path element.
func validComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

func (s *Store) Set(domain, token, value string) error {
	fp, err := s.file(domain, token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o700); err != nil {
		return err
	}
	return os.WriteFile(fp, []byte(value), 0o600)
}

func (s *Store) Get(domain, token string) (string, error) {
	fp, err := s.file(domain, token)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remove deletes a challenge; missing entries are not an error.
func (s *Store) Remove(domain, token string) error {
	fp, err := s.file(domain, token)
	if err != nil {
		return err
	}
	if err := os.Remove(fp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// drop the domain dir once empty
	_ = os.Remove(filepath.Dir(fp))
	return nil
}

// Present implements challenge.Provider.
func (s *Store) Present(domain, token, keyAuth string) error {
	return s.Set(domain, token, keyAuth)
}

// CleanUp implements challenge.Provider.
func (s *Store) CleanUp(domain, token, _ string) error {
	return s.Remove(domain, token)
}

var challengePrefix = http01.ChallengePath("")

// IsChallengePath reports whether p is an http-01 challenge request.
func IsChallengePath(p string) bool {
	return strings.HasPrefix(p, challengePrefix) && len(p) > len(challengePrefix)
}

// Handler answers challenge requests for the request's host.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsChallengePath(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		v, err := s.Get(r.Host, token)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, v)
	})
}

// Verify checks that baseURL serves challenges for domain by writing a
// throwaway token and fetching it back.
func (s *Store) Verify(ctx context.Context, client *http.Client, baseURL, domain string) error {
	if client == nil {
		client = http.DefaultClient
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	want := uuid.NewString()
	if err := s.Set(domain, token, want); err != nil {
		return err
	}
	defer func() { _ = s.Remove(domain, token) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+http01.ChallengePath(token), nil)
	if err != nil {
		return err
	}
	req.Host = domain
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("acme self-check: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return fmt.Errorf("acme self-check: %w", err)
	}
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(b)) != want {
		return fmt.Errorf("acme self-check: %s answered %d with unexpected body", domain, res.StatusCode)
	}
	return nil
}
