//go:build linux

package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func mountOverlay(lower, upper, work, mnt string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", mnt, "overlay", 0, opts); err != nil {
		return fmt.Errorf("%w: mount overlay %s: %v", ErrOverlay, mnt, err)
	}
	return nil
}

func bindMount(src, dst string, recursive, readOnly bool) error {
	flags := unix.MS_BIND
	if recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(src, dst, "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("%w: bind %s -> %s: %v", ErrBind, src, dst, err)
	}
	if readOnly {
		remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if recursive {
			remountFlags |= unix.MS_REC
		}
		if err := unix.Mount("", dst, "", remountFlags, ""); err != nil {
			return fmt.Errorf("%w: remount ro %s: %v", ErrBind, dst, err)
		}
	}
	return nil
}

func mountTmpfs(target string, sizeBytes int64) error {
	opts := fmt.Sprintf("size=%d", sizeBytes)
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("%w: mount tmpfs %s: %v", ErrBind, target, err)
	}
	return nil
}

func mountProc(target string) error {
	if err := unix.Mount("proc", target, "proc", 0, ""); err != nil {
		return fmt.Errorf("%w: mount proc %s: %v", ErrBind, target, err)
	}
	return nil
}

func mountDevpts(target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	if err := unix.Mount("devpts", target, "devpts", 0, "newinstance,ptmxmode=0666,mode=620,gid=5"); err != nil {
		return fmt.Errorf("%w: mount devpts %s: %v", ErrBind, target, err)
	}
	return nil
}

func makePrivate(mountPoint string) error {
	if err := unix.Mount("", mountPoint, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make private %s: %w", mountPoint, err)
	}
	return nil
}

func pivotRoot(newRoot, putOld string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("%w: chdir %s: %v", ErrPivot, newRoot, err)
	}
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("%w: pivot_root: %v", ErrPivot, err)
	}
	return nil
}

func umountDetach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// bindHostPath bind-mounts hostPath at relPath under mnt, creating the
// destination and clearing a pre-existing symlink so the mount lands on
// a real file or directory (never hijacked). Missing host sources are
// skipped rather than failing the build, mirroring the teacher's
// BindHostFile behavior for optional host files like /etc/resolv.conf.
func bindHostPath(mnt, hostPath, relPath string, readOnly, isDir bool) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat host path %s: %w", hostPath, err)
	}

	dst := filepath.Join(mnt, relPath)
	if err := mkdirAll(filepath.Dir(dst)); err != nil {
		return err
	}

	if fi, err := os.Lstat(dst); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(dst); err != nil {
				return fmt.Errorf("remove symlink %s: %w", dst, err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("lstat %s: %w", dst, err)
	}

	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if isDir || info.IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dst, err)
			}
		} else if err := os.WriteFile(dst, nil, 0644); err != nil {
			return fmt.Errorf("create file %s: %w", dst, err)
		}
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", dst, err)
	}

	return bindMount(hostPath, dst, false, readOnly)
}

// seedNamedVolume ensures volumeDir exists and, the first time it's
// used (when it's empty), seeds it from source (spec §4.1 step 2,
// "named volumes persist across session restarts... seeded from
// Source on first use"). Later sessions reusing the same volume see
// whatever state earlier sessions left behind, so seeding only
// happens while the directory is still empty.
func seedNamedVolume(volumeDir, source string) error {
	if err := mkdirAll(volumeDir); err != nil {
		return err
	}
	if source == "" {
		return nil
	}

	entries, err := os.ReadDir(volumeDir)
	if err != nil {
		return fmt.Errorf("read volume dir %s: %w", volumeDir, err)
	}
	if len(entries) > 0 {
		return nil
	}

	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat volume seed source %s: %w", source, err)
	}

	return copyTree(source, volumeDir)
}

// copyTree recursively copies regular files and directories from src
// into an already-existing dst, preserving permissions. Symlinks are
// skipped rather than followed or recreated, since a seed source
// pointing outside itself has no well-defined destination inside the
// volume.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&os.ModeSymlink != 0:
			return nil
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open seed file %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create seeded file %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy seed file %s -> %s: %w", src, dst, err)
	}
	return nil
}

// cleanupMounts best-effort unmounts mnt, called on sandbox construction
// failure. Session destruction does not call it.
func cleanupMounts(mnt string) {
	_ = unix.Unmount(mnt, unix.MNT_DETACH)
}
