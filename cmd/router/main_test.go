package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
routes:
  - { src: example.com, targets: ["${BACKEND}", "b:80"] }
`), 0o644))
	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte("BACKEND=a:80\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("BACKEND") })

	out, err := run(t, "check", "--config", cfg, "--env-file", env)
	require.NoError(t, err)
	assert.Contains(t, out, "routes=1 targets=2")
}

func TestCheck_Invalid(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("routes: [{src: example.com}]"), 0o644))

	_, err := run(t, "check", "--config", cfg, "--env-file", filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestCheck_MissingExplicitEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("listen: ':9000'"), 0o644))

	_, err := run(t, "check", "--config", cfg, "--env-file", filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dynamic-router dev")
}
