package forward

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/fabian4/dynamic-router/internal/route"
)

func mustTarget(t *testing.T, raw string) *route.Target {
	t.Helper()
	tg, err := route.NewTarget(raw, route.Options{})
	if err != nil {
		t.Fatalf("target %q: %v", raw, err)
	}
	return tg
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout: got %v, want %v", opts.DialTimeout, 5*time.Second)
	}
	if opts.MaxIdleConns != 512 {
		t.Errorf("MaxIdleConns: got %d, want %d", opts.MaxIdleConns, 512)
	}
	if opts.MaxIdleConnsPerHost != 128 {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", opts.MaxIdleConnsPerHost, 128)
	}
	if opts.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout: got %v, want %v", opts.IdleConnTimeout, 90*time.Second)
	}
	if opts.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false by default")
	}
}

func TestRegistry_Get(t *testing.T) {
	reg := NewDefaultRegistry()

	t.Run("existing transport", func(t *testing.T) {
		if _, ok := reg.Get(ProtoHTTP1).(*http.Transport); !ok {
			t.Error("expected *http.Transport")
		}
	})

	t.Run("non-existing falls back to http1", func(t *testing.T) {
		if reg.Get("non-existent") != reg.Get(ProtoHTTP1) {
			t.Error("expected fallback to http1 transport")
		}
	})

	t.Run("auto transport", func(t *testing.T) {
		tr, ok := reg.Get(ProtoAuto).(*http.Transport)
		if !ok || !tr.ForceAttemptHTTP2 {
			t.Error("auto should be an h2-capable *http.Transport")
		}
	})
}

func TestRegistry_For(t *testing.T) {
	reg := NewDefaultRegistry()
	if reg.For(mustTarget(t, "https://secure.example.com")) != reg.Get(ProtoAuto) {
		t.Error("https target should use auto")
	}
	if reg.For(mustTarget(t, "plain.example.com:8080")) != reg.Get(ProtoHTTP1) {
		t.Error("http target should use http1")
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewDefaultRegistry()

	customRT := &http.Transport{}
	reg.Register("custom", customRT)
	if reg.Get("custom") != customRT {
		t.Error("registered transport not returned by Get")
	}

	// ignored
	reg.Register("", customRT)
	reg.Register("nil-test", nil)
	if reg.Get("nil-test") != reg.Get(ProtoHTTP1) {
		t.Error("nil transport must not be registered")
	}

	reg.CloseIdle()
}

func TestRegistry_HTTP1Transport(t *testing.T) {
	pool := x509.NewCertPool()
	opts := Options{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       60 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		InsecureSkipVerify:    true,
		RootCAs:               pool,
	}
	tr, ok := NewRegistry(opts).Get(ProtoHTTP1).(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.MaxIdleConns != 50 || tr.MaxIdleConnsPerHost != 10 {
		t.Errorf("pool sizing not applied: %d/%d", tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 60*time.Second {
		t.Errorf("IdleConnTimeout: got %v, want %v", tr.IdleConnTimeout, 60*time.Second)
	}
	if tr.ResponseHeaderTimeout != 10*time.Second {
		t.Errorf("ResponseHeaderTimeout: got %v", tr.ResponseHeaderTimeout)
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false for http1")
	}
	if !tr.TLSClientConfig.InsecureSkipVerify || tr.TLSClientConfig.RootCAs != pool {
		t.Error("TLS options not applied")
	}
}

func TestRegistry_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("hi"))
		_ = c.Close()
	}()

	reg := NewDefaultRegistry()
	conn, err := reg.Dial(context.Background(), mustTarget(t, ln.Addr().String()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	b, _ := io.ReadAll(conn)
	if string(b) != "hi" {
		t.Fatalf("got %q, want hi", b)
	}

	if _, err := reg.Dial(context.Background(), nil); err == nil {
		t.Fatal("want error for nil target")
	}
}
