package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coop-sh/coop/internal/config"
)

// ErrMountEscape is returned when a configured mount's resolved host
// source would escape the containment root (spec §8, "Mount path
// containment").
var ErrMountEscape = fmt.Errorf("%w: mount source escapes containment root", ErrBind)

// resolveContainedPath cleans and symlink-resolves path, then verifies
// the result is inside root (or equal to it). It rejects both textual
// ".." escapes and symlink escapes — the latter requires path to exist
// on disk, so resolveContainedPath is called at session-creation time,
// never blind at config-load time.
func resolveContainedPath(root, path string) (string, error) {
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: mount source %q is not absolute", ErrBind, path)
	}

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			// Non-existent sources are caught by textual containment
			// only; mount.go's bindHostPath skips missing sources.
			resolved = cleaned
		} else {
			return "", fmt.Errorf("resolve mount source %q: %w", path, err)
		}
	}

	cleanRoot := filepath.Clean(root)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves to %q, outside %q", ErrMountEscape, path, resolved, cleanRoot)
	}
	return resolved, nil
}

// checkMountContainment rejects any configured mount whose resolved
// host source escapes the invoking user's home directory (spec §8,
// "Mount path containment"), called once at session creation before
// the sandbox child ever bind-mounts anything. A mount's Source is
// only containment-checked when set — a named mount with no Source
// has nothing to seed from and nothing to check.
func checkMountContainment(mounts []config.Mount) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory for mount containment check: %w", err)
	}
	for _, m := range mounts {
		if m.Source == "" {
			continue
		}
		if _, err := resolveContainedPath(home, m.Source); err != nil {
			return err
		}
	}
	return nil
}
