// Package registry holds the in-memory Session Registry: the
// authoritative map from session name (and workspace path) to a live
// sandbox and its PTYs (spec §4.5). There is no database — state lives
// only as long as the daemon process does; sessions left running by a
// previous daemon are found by internal/discovery on restart but are
// not re-registered here.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coop-sh/coop/internal/config"
	"github.com/coop-sh/coop/internal/inputfilter"
	"github.com/coop-sh/coop/internal/ptyengine"
	"github.com/coop-sh/coop/internal/sandbox"
)

var (
	ErrSessionExists   = errors.New("registry: session already exists")
	ErrSessionNotFound = errors.New("registry: session not found")
	ErrPTYNotFound     = errors.New("registry: pty not found")
)

// Session is a single live sandboxed environment: its namespace
// handles, overlay paths, config snapshot, and the set of PTYs
// attached to its agent process and any ad-hoc shells.
type Session struct {
	Name      string
	Workspace string
	Created   time.Time
	Config    *config.Config
	Handles   *sandbox.Handles
	Overlay   sandbox.Overlay

	mu        sync.Mutex
	ptys      map[int]*ptyengine.PTY
	nextPTYID int

	filterOnce sync.Once
	filter     *inputfilter.Filter
}

// InputFilter lazily builds the session's Input Filter from its config
// snapshot. Every PTY 0 (the agent) attach shares the same filter
// instance so a blocked-sequence match caught mid-stream across two
// attach calls from the same client still works as expected.
func (s *Session) InputFilter() *inputfilter.Filter {
	s.filterOnce.Do(func() {
		extra := make([][]byte, 0, len(s.Config.InputFilter.ExtraPatterns))
		for _, p := range s.Config.InputFilter.ExtraPatterns {
			extra = append(extra, []byte(p))
		}
		s.filter = inputfilter.New(
			extra,
			time.Duration(s.Config.InputFilter.PartialTimeoutMs)*time.Millisecond,
			time.Duration(s.Config.InputFilter.InterruptWindowMs)*time.Millisecond,
		)
	})
	return s.filter
}

func newSession(name, workspace string, cfg *config.Config, handles *sandbox.Handles, overlay sandbox.Overlay) *Session {
	return &Session{
		Name:      name,
		Workspace: workspace,
		Created:   time.Now(),
		Config:    cfg,
		Handles:   handles,
		Overlay:   overlay,
		ptys:      make(map[int]*ptyengine.PTY),
	}
}

// AddPTY registers p under a freshly allocated id and returns it. PTY
// 0 is always the agent's own PTY, allocated by the caller directly
// via AddPTYWithID before any ad-hoc shells exist.
func (s *Session) AddPTY(p *ptyengine.PTY) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPTYID
	s.nextPTYID++
	s.ptys[id] = p
	return id
}

// AddPTYWithID registers p under an explicit id, used once at session
// creation for PTY 0.
func (s *Session) AddPTYWithID(id int, p *ptyengine.PTY) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptys[id] = p
	if id >= s.nextPTYID {
		s.nextPTYID = id + 1
	}
}

func (s *Session) GetPTY(id int) (*ptyengine.PTY, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ptys[id]
	return p, ok
}

func (s *Session) RemovePTY(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ptys, id)
}

// PTYs returns a snapshot of live PTY ids, sorted is not guaranteed.
func (s *Session) PTYs() map[int]*ptyengine.PTY {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*ptyengine.PTY, len(s.ptys))
	for id, p := range s.ptys {
		out[id] = p
	}
	return out
}

// Destroy stops every PTY and releases the pinned namespace handles.
// It does not unmount the overlay or touch the session's upper/work
// directories; removing the session directory is left to the caller.
func (s *Session) Destroy() {
	s.mu.Lock()
	ptys := make([]*ptyengine.PTY, 0, len(s.ptys))
	for _, p := range s.ptys {
		ptys = append(ptys, p)
	}
	s.mu.Unlock()

	for _, p := range ptys {
		p.Stop()
	}
	if s.Handles != nil {
		s.Handles.Close()
	}
}

// Registry is the process-wide map of live sessions, indexed by name
// and secondarily by workspace path so `coop attach` without an
// explicit name can resolve from the caller's current directory (spec
// §8, "session resolution by workspace path").
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*Session
	byWorkspace map[string]string
}

func New() *Registry {
	return &Registry{
		byName:      make(map[string]*Session),
		byWorkspace: make(map[string]string),
	}
}

// NormalizeWorkspace resolves path to an absolute, symlink-resolved
// form so two different spellings of the same directory (relative vs.
// absolute, or through a symlink) resolve to the same session.
func NormalizeWorkspace(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("resolve workspace symlinks: %w", err)
	}
	return resolved, nil
}

// Create registers a new session. The caller must have already built
// the sandbox; Create only fails on a name or workspace collision.
func (r *Registry) Create(name, workspace string, cfg *config.Config, handles *sandbox.Handles, overlay sandbox.Overlay) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, name)
	}
	if existing, ok := r.byWorkspace[workspace]; ok {
		return nil, fmt.Errorf("%w: workspace %q already bound to session %q", ErrSessionExists, workspace, existing)
	}

	sess := newSession(name, workspace, cfg, handles, overlay)
	r.byName[name] = sess
	r.byWorkspace[workspace] = name
	return sess, nil
}

// Adopt inserts an already-constructed Session, failing if the name is
// taken. No caller in the daemon uses it.
func (r *Registry) Adopt(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[sess.Name]; ok {
		return fmt.Errorf("%w: %q", ErrSessionExists, sess.Name)
	}
	r.byName[sess.Name] = sess
	r.byWorkspace[sess.Workspace] = sess.Name
	return nil
}

func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) GetByWorkspace(workspace string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byWorkspace[workspace]
	if !ok {
		return nil, false
	}
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	return out
}

// Remove drops a session from the registry and returns it, without
// destroying it — callers that want teardown should call Session.
// Destroy() themselves, letting shutdown paths that intend to keep the
// sandbox alive (graceful daemon shutdown) skip it.
func (r *Registry) Remove(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	delete(r.byName, name)
	delete(r.byWorkspace, s.Workspace)
	return s, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
