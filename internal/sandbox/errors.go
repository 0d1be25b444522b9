package sandbox

import "errors"

// Sentinel errors for sandbox construction failures (spec §4.1, §7).
// Callers map these to IPC error codes without string matching.
var (
	ErrUnshare = errors.New("sandbox: unshare failed")
	ErrUidMap  = errors.New("sandbox: uid/gid map failed")
	ErrOverlay = errors.New("sandbox: overlay mount failed")
	ErrBind    = errors.New("sandbox: bind mount failed")
	ErrPivot   = errors.New("sandbox: pivot_root failed")
	ErrPtyAlloc = errors.New("sandbox: pty allocation failed")
	ErrExec    = errors.New("sandbox: exec failed")
)
