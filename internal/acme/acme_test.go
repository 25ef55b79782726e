package acme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetRemove(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Set("Example.com", "tok_1", "auth"))
	v, err := s.Get("example.com", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, "auth", v)

	require.NoError(t, s.Remove("example.com", "tok_1"))
	_, err = s.Get("example.com", "tok_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Remove("example.com", "tok_1"), "removing twice is fine")
}

func TestStore_RejectsTraversal(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Set("example.com", "../../etc", "x"), ErrInvalidKey)
	assert.ErrorIs(t, s.Set("..", "tok", "x"), ErrInvalidKey)
	_, err = s.Get("example.com", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStore_ProviderAndHandler(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Present("example.com", "abc", "abc.key"))

	req := httptest.NewRequest(http.MethodGet, http01.ChallengePath("abc"), nil)
	req.Host = "example.com:80"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc.key", rec.Body.String())

	req.Host = "other.com"
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, s.CleanUp("example.com", "abc", "abc.key"))
	req.Host = "example.com"
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsChallengePath(t *testing.T) {
	assert.True(t, IsChallengePath("/.well-known/acme-challenge/tok"))
	assert.False(t, IsChallengePath("/.well-known/acme-challenge/"))
	assert.False(t, IsChallengePath("/api"))
}

func TestVerify(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	require.NoError(t, s.Verify(context.Background(), srv.Client(), srv.URL, "example.com"))

	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()
	assert.Error(t, s.Verify(context.Background(), broken.Client(), broken.URL, "example.com"))
}
