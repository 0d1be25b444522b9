// Package config defines the Go struct shape a parsed coop configuration
// arrives in. Parsing the on-disk TOML file, merging defaults, and
// discovering the config path are owned by an external CLI layer
// (spec §1 Non-goals); this package only defines what that layer hands
// to the Sandbox Builder and the daemon, plus a small helper for
// parsing humanized byte sizes wherever one needs to cross that
// boundary (e.g. a CLI override flag).
package config

import "github.com/docker/go-units"

// NetworkMode selects the network namespace strategy for a session.
type NetworkMode string

const (
	NetworkNone  NetworkMode = "none"
	NetworkHost  NetworkMode = "host"
	NetworkVeth  NetworkMode = "veth"
)

// Mount describes one host-path or named bind mount into the sandbox,
// per spec §4.1 step 2.
type Mount struct {
	// Source is a host absolute path (HostPath mount) or, when Name is
	// set, the directory that seeds the daemon-managed volume on first
	// use.
	Source string `json:"source,omitempty"`
	// Name, when set, identifies a named mount: it resolves to
	// <state>/volumes/<name>, seeded from Source on first use.
	Name string `json:"name,omitempty"`
	// Target is the path inside the sandbox, relative to the rootfs root.
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Defaults holds the per-session knobs the Sandbox Builder consumes.
type Defaults struct {
	NetworkMode NetworkMode `json:"network_mode"`
	// ScrollbackBytes is the per-PTY scrollback ring capacity. Zero means
	// the PTY engine's built-in default (256 KiB, spec §3).
	ScrollbackBytes int64 `json:"scrollback_bytes"`
	// TmpfsBytes sizes the /tmp tmpfs mounted in every sandbox.
	TmpfsBytes int64 `json:"tmpfs_bytes"`
	// RestartDelayMs is the delay before re-entering the namespace after
	// an agent exit when AutoRestart is set on PTY 0.
	RestartDelayMs int64 `json:"restart_delay_ms"`
	AutoRestart    bool  `json:"auto_restart"`
}

// Security holds sandbox hardening knobs orthogonal to namespace setup.
type Security struct {
	ReadonlyRootfs bool `json:"readonly_rootfs"`
}

// Config is the shape an external TOML layer hands to this module.
type Config struct {
	// StateDir is the root of the persistent state layout (spec §6):
	// sock, daemon.pid, daemon.lock, rootfs/base, oci-cache, volumes,
	// sessions. Defaults to "~/.coop" when empty.
	StateDir string `json:"state_dir"`

	// AgentCommand is the argv of the namespace-init process spawned on
	// PTY 0 when a session is created.
	AgentCommand []string `json:"agent_command"`

	// Env holds user-configured [env] entries appended to every
	// namespace-init process's environment (spec §6, process
	// environment contract), alongside COOP_SESSION/COOP_WORKSPACE/
	// COOP_CREATED.
	Env map[string]string `json:"env"`

	Mounts   []Mount  `json:"mounts"`
	Defaults Defaults `json:"defaults"`
	Security Security `json:"security"`

	// IdleTimeoutSeconds is the auto-shutdown idle timer (spec §4.5),
	// default 30.
	IdleTimeoutSeconds int64 `json:"idle_timeout_seconds"`

	// InputFilter lets an external config layer extend the Input
	// Filter's default blocked-sequence set (spec §4.4).
	InputFilter InputFilterConfig `json:"input_filter"`
}

// InputFilterConfig extends the Input Filter's default pattern set.
type InputFilterConfig struct {
	ExtraPatterns    []string `json:"extra_patterns"`
	InterruptWindowMs int64   `json:"interrupt_window_ms"`
	PartialTimeoutMs  int64   `json:"partial_timeout_ms"`
}

// Default returns a Config populated with the same defaults spec §3/§4
// assume when a field is left unset by the external config layer.
func Default() *Config {
	return &Config{
		StateDir:     "",
		AgentCommand: nil,
		Env:          map[string]string{},
		Defaults: Defaults{
			NetworkMode:     NetworkNone,
			ScrollbackBytes: 256 * 1024,
			TmpfsBytes:      64 * 1024 * 1024,
			RestartDelayMs:  1000,
			AutoRestart:     true,
		},
		Security:           Security{ReadonlyRootfs: false},
		IdleTimeoutSeconds: 30,
		InputFilter: InputFilterConfig{
			InterruptWindowMs: 500,
			PartialTimeoutMs:  500,
		},
	}
}

// ParseSize parses a humanized byte-size string ("256KiB", "64MB") into
// an int64 byte count, for any place in a surrounding CLI that accepts a
// human-readable size and needs to cross into this module's plain
// int64-byte-count fields.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}
