//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DetectOverlayFS verifies overlayfs works by performing a minimal
// overlay mount in a scratch directory, then tearing it down. Run once
// at daemon startup so a misconfigured host fails fast instead of on
// the first session create.
func DetectOverlayFS() error {
	tmpDir, err := os.MkdirTemp("", "coop-overlay-probe-")
	if err != nil {
		return fmt.Errorf("create overlay probe dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	lower := filepath.Join(tmpDir, "lower")
	upper := filepath.Join(tmpDir, "upper")
	work := filepath.Join(tmpDir, "work")
	mnt := filepath.Join(tmpDir, "mnt")
	for _, d := range []string{lower, upper, work, mnt} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create overlay probe dir %s: %w", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(lower, "probe"), []byte("ok"), 0644); err != nil {
		return fmt.Errorf("create overlay probe file: %w", err)
	}

	if err := mountOverlay(lower, upper, work, mnt); err != nil {
		return fmt.Errorf("overlayfs probe mount: %w", err)
	}
	defer umountDetach(mnt)

	if _, err := os.Stat(filepath.Join(mnt, "probe")); err != nil {
		return fmt.Errorf("overlayfs probe file not visible after mount: %w", err)
	}

	fsType, err := statfsType(mnt)
	if err != nil {
		return fmt.Errorf("overlayfs probe statfs: %w", err)
	}
	if fsType != unix.OVERLAYFS_SUPER_MAGIC {
		return fmt.Errorf("%w: mount succeeded but %s is not overlayfs (f_type=%#x)", ErrOverlay, mnt, fsType)
	}
	return nil
}

// DetectUnprivilegedUserNamespaces verifies the host kernel permits
// creating a user namespace without CAP_SYS_ADMIN, per spec §1's
// assumption of "an intact kernel ≥5.11 with unprivileged user
// namespaces".
func DetectUnprivilegedUserNamespaces() error {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// Kernels without this sysctl (most distros since 5.x) allow it
		// by default; absence of the file is not itself a failure.
		return nil
	}
	if len(data) > 0 && data[0] == '0' {
		return fmt.Errorf("%w: unprivileged user namespaces disabled (kernel.unprivileged_userns_clone=0)", ErrUnshare)
	}
	return nil
}

func statfsType(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Type), nil
}
