// Package executil resolves the agent runtime executable against trusted
// directories and builds its environment.
package executil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// TrustedDirs are searched before the inherited PATH.
var TrustedDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/opt/homebrew/bin",
}

// Resolver finds executables in a fixed list of directories. The zero value
// searches TrustedDirs followed by the non-writable entries of $PATH.
type Resolver struct {
	Dirs []string
}

// Lookup returns the absolute path of name. Names containing a separator are
// used as given if they are executable.
func (r Resolver) Lookup(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("executil: empty command")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		p := filepath.Clean(name)
		if !executable(p) {
			return "", fmt.Errorf("executil: %s is not executable", name)
		}
		return p, nil
	}
	for _, dir := range r.dirs() {
		p := filepath.Join(dir, name)
		if executable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("executil: %s not found in trusted path", name)
}

// Env returns the parent environment with PATH narrowed to the resolver's
// directories and overlay applied in key order.
func (r Resolver) Env(overlay map[string]string) []string {
	env := withVar(os.Environ(), "PATH", strings.Join(r.dirs(), string(os.PathListSeparator)))
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = withVar(env, k, overlay[k])
	}
	return env
}

// CommandContext builds a command for name with the narrowed environment.
func (r Resolver) CommandContext(ctx context.Context, name string, args []string, overlay map[string]string) (*exec.Cmd, error) {
	path, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = r.Env(overlay)
	return cmd, nil
}

// CommandContext resolves name with the default Resolver.
func CommandContext(ctx context.Context, name string, args []string, overlay map[string]string) (*exec.Cmd, error) {
	return Resolver{}.CommandContext(ctx, name, args, overlay)
}

func (r Resolver) dirs() []string {
	if len(r.Dirs) > 0 {
		return r.Dirs
	}
	seen := map[string]bool{}
	var out []string
	add := func(dir string) {
		dir = filepath.Clean(dir)
		if dir == "" || !filepath.IsAbs(dir) || seen[dir] {
			return
		}
		info, err := os.Stat(dir)
		// Group or world writable directories are skipped.
		if err != nil || !info.IsDir() || info.Mode().Perm()&0o022 != 0 {
			return
		}
		seen[dir] = true
		out = append(out, dir)
	}
	for _, d := range TrustedDirs {
		add(d)
	}
	for _, d := range filepath.SplitList(os.Getenv("PATH")) {
		add(d)
	}
	return out
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode().Perm()&0o111 != 0
}

func withVar(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return append(out, prefix+value)
}
