package executil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), mode))
	return p
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "runtime", 0o755)
	writeScript(t, dir, "plain", 0o644)
	r := Resolver{Dirs: []string{dir}}

	got, err := r.Lookup("runtime")
	require.NoError(t, err)
	require.Equal(t, exe, got)

	got, err = r.Lookup(exe)
	require.NoError(t, err)
	require.Equal(t, exe, got)

	_, err = r.Lookup("plain")
	require.ErrorContains(t, err, "not found")
	_, err = r.Lookup(filepath.Join(dir, "plain"))
	require.ErrorContains(t, err, "not executable")
	_, err = r.Lookup("")
	require.Error(t, err)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("TRIAGE_TEST_KEEP", "1")
	t.Setenv("TRIAGE_TEST_REPLACE", "old")
	r := Resolver{Dirs: []string{"/a", "/b"}}

	env := r.Env(map[string]string{"TRIAGE_TEST_REPLACE": "new", "TRIAGE_TEST_ADD": "x"})

	lookup := func(key string) []string {
		var vals []string
		for _, e := range env {
			if strings.HasPrefix(e, key+"=") {
				vals = append(vals, strings.TrimPrefix(e, key+"="))
			}
		}
		return vals
	}
	require.Equal(t, []string{"/a" + string(os.PathListSeparator) + "/b"}, lookup("PATH"))
	require.Equal(t, []string{"1"}, lookup("TRIAGE_TEST_KEEP"))
	require.Equal(t, []string{"new"}, lookup("TRIAGE_TEST_REPLACE"))
	require.Equal(t, []string{"x"}, lookup("TRIAGE_TEST_ADD"))
}

func TestCommandContext(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "runtime", 0o755)
	r := Resolver{Dirs: []string{dir}}

	cmd, err := r.CommandContext(context.Background(), "runtime", []string{"--stdio"}, map[string]string{"MODE": "test"})
	require.NoError(t, err)
	require.Equal(t, exe, cmd.Path)
	require.Equal(t, []string{exe, "--stdio"}, cmd.Args)
	require.Contains(t, cmd.Env, "MODE=test")
	require.NoError(t, cmd.Run())
}

func TestDefaultDirsSkipWritable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o777))
	writeScript(t, dir, "triage-test-runtime", 0o755)
	t.Setenv("PATH", dir)

	_, err := Resolver{}.Lookup("triage-test-runtime")
	require.Error(t, err)
}
