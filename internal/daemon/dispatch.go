package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/coop-sh/coop/internal/bridge"
	"github.com/coop-sh/coop/internal/ipc"
	"github.com/coop-sh/coop/internal/ptyengine"
	"github.com/coop-sh/coop/internal/registry"
	"github.com/coop-sh/coop/internal/sandbox"
	"github.com/coop-sh/coop/protocol"
)

// handleConn owns one client connection for its whole lifetime. Every
// connection gets a correlation id so its handshake, commands, and
// (for attach/shell) the eventual stream teardown all show up under the
// same log key, the same way a request id threads through a single
// HTTP request's log lines.
func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()
	corrID := uuid.NewString()
	log := s.Logger.With("corr_id", corrID)

	var hs protocol.Handshake
	if err := ipc.ReadMessage(conn, &hs); err != nil {
		log.Warn("handshake read failed", "error", err)
		if errors.Is(err, ipc.ErrMessageTooLarge) {
			_ = ipc.WriteMessage(conn, protocol.HandshakeReply{Version: protocol.ProtocolVersion, OK: false, Error: protocol.ErrMessageTooLarge})
		}
		return
	}
	if hs.Version != protocol.ProtocolVersion {
		log.Warn("handshake version mismatch", "client_version", hs.Version)
		_ = ipc.WriteMessage(conn, protocol.HandshakeReply{
			Version: protocol.ProtocolVersion,
			OK:      false,
			Error:   protocol.ErrVersionMismatch,
		})
		return
	}
	if err := ipc.WriteMessage(conn, protocol.HandshakeReply{Version: protocol.ProtocolVersion, OK: true}); err != nil {
		return
	}

	for {
		var cmd protocol.Command
		if err := ipc.ReadMessage(conn, &cmd); err != nil {
			if errors.Is(err, ipc.ErrMessageTooLarge) {
				_ = ipc.WriteMessage(conn, protocol.Reply{OK: false, Error: protocol.ErrMessageTooLarge})
			}
			return
		}
		s.touch()
		log.Debug("command received", "cmd", cmd.Cmd, "session", cmd.Session)

		switch cmd.Cmd {
		case "attach", "shell":
			s.handleStream(conn, cmd)
			log.Debug("stream ended", "cmd", cmd.Cmd, "session", cmd.Session)
			return
		default:
			reply := s.dispatch(cmd)
			if !reply.OK {
				log.Warn("command failed", "cmd", cmd.Cmd, "error", reply.Error)
			}
			if err := ipc.WriteMessage(conn, reply); err != nil {
				return
			}
		}
	}
}

// dispatch handles every command that replies once and keeps the
// connection in command mode, i.e. everything except attach/shell.
func (s *Server) dispatch(cmd protocol.Command) protocol.Reply {
	switch cmd.Cmd {
	case "create":
		return s.handleCreate(cmd)
	case "ls":
		return s.handleList()
	case "kill":
		return s.handleKill(cmd)
	case "restart":
		return s.handleRestart(cmd)
	case "session-kill":
		return s.handleSessionKill(cmd)
	case "serve", "tunnel":
		return protocol.Reply{OK: false, Error: protocol.ErrNotImplemented}
	case "shutdown":
		go s.Shutdown()
		return protocol.Reply{OK: true}
	default:
		return protocol.Reply{OK: false, Error: protocol.ErrInvalidCommand}
	}
}

func (s *Server) handleCreate(cmd protocol.Command) protocol.Reply {
	workspace, err := registry.NormalizeWorkspace(cmd.Workspace)
	if err != nil {
		return protocol.Reply{OK: false, Error: fmt.Sprintf("resolve workspace: %v", err)}
	}

	name := cmd.Name
	if name == "" {
		name = filepath.Base(workspace)
	}

	if _, ok := s.Registry.Get(name); ok {
		return protocol.Reply{OK: false, Error: protocol.ErrSessionExists}
	}

	cfg := s.Config
	sessionDir := s.State.SessionDir(name)

	result, err := sandbox.Build(sandbox.BuildOpts{
		Config:      cfg,
		BaseRootfs:  s.State.BaseRootfs(),
		Workspace:   workspace,
		SessionDir:  sessionDir,
		SessionName: name,
		VolumesDir:  s.State.VolumesDir(),
		Logger:      s.Logger,
	})
	if err != nil {
		return protocol.Reply{OK: false, Error: fmt.Sprintf("build sandbox: %v", err)}
	}

	sess, err := s.Registry.Create(name, workspace, cfg, result.Handles, result.Overlay)
	if err != nil {
		result.Handles.Close()
		return protocol.Reply{OK: false, Error: protocol.ErrSessionExists}
	}

	spawn := s.agentRespawner(sess)
	pty0 := ptyengine.New(ptyengine.Options{
		ID:            0,
		Master:        result.AgentMaster,
		Process:       result.Process,
		Spawn:         spawn,
		AutoRestart:   cfg.Defaults.AutoRestart,
		RestartDelay:  time.Duration(cfg.Defaults.RestartDelayMs) * time.Millisecond,
		ScrollbackCap: int(cfg.Defaults.ScrollbackBytes),
		Logger:        s.Logger,
	})
	sess.AddPTYWithID(0, pty0)

	return protocol.Reply{OK: true, Session: name, PID: result.AgentPID, PTY: 0}
}

// agentRespawner closes over the session so PTY 0's restart uses the
// Namespace Entrant to re-launch the same agent command inside the
// already-built sandbox (spec §4.2, used both for `coop shell` and for
// restarting PTY 0).
func (s *Server) agentRespawner(sess *registry.Session) ptyengine.Spawner {
	return func() (*os.File, ptyengine.Process, error) {
		res, err := sandbox.Enter(sandbox.EnterOpts{
			Handles:     sess.Handles,
			Command:     sess.Config.AgentCommand,
			Env:         sess.Config.Env,
			Cwd:         "/workspace",
			SessionName: sess.Name,
			Logger:      s.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return res.Master, res.Process, nil
	}
}

func (s *Server) handleList() protocol.Reply {
	var infos []protocol.SessionInfo
	for _, sess := range s.Registry.List() {
		var ptys []protocol.PTYInfo
		for id, p := range sess.PTYs() {
			role := "shell"
			if id == 0 {
				role = "agent"
			}
			ptys = append(ptys, protocol.PTYInfo{ID: id, Role: role, Command: p.State().String()})
		}
		infos = append(infos, protocol.SessionInfo{
			Name:      sess.Name,
			Workspace: sess.Workspace,
			PID:       sess.Handles.InitPID,
			Created:   sess.Created.Format(time.RFC3339),
			PTYs:      ptys,
		})
	}
	return protocol.Reply{OK: true, Sessions: infos}
}

func (s *Server) resolveSession(cmd protocol.Command) (*registry.Session, bool) {
	if cmd.Session != "" {
		return s.Registry.Get(cmd.Session)
	}
	workspace, err := registry.NormalizeWorkspace(cmd.Workspace)
	if err != nil {
		return nil, false
	}
	return s.Registry.GetByWorkspace(workspace)
}

func (s *Server) handleKill(cmd protocol.Command) protocol.Reply {
	if cmd.All {
		for _, sess := range s.Registry.List() {
			s.killSession(sess, cmd.Force)
		}
		return protocol.Reply{OK: true}
	}

	sess, ok := s.resolveSession(cmd)
	if !ok {
		return protocol.Reply{OK: false, Error: protocol.ErrSessionNotFound}
	}
	s.killSession(sess, cmd.Force)
	return protocol.Reply{OK: true}
}

func (s *Server) killSession(sess *registry.Session, force bool) {
	ptys := sess.PTYs()
	// Stop every PTY before signalling, so an auto-restarting agent PTY
	// can't respawn during the grace period.
	sess.Destroy()
	for _, p := range ptys {
		if force {
			_ = p.Kill(os.Kill, false)
		} else {
			_ = p.Kill(syscall.SIGTERM, true)
		}
	}
	s.Registry.Remove(sess.Name)
	_ = os.RemoveAll(s.State.SessionDir(sess.Name))
}

func (s *Server) handleSessionKill(cmd protocol.Command) protocol.Reply {
	sess, ok := s.resolveSession(cmd)
	if !ok {
		return protocol.Reply{OK: false, Error: protocol.ErrSessionNotFound}
	}
	p, ok := sess.GetPTY(cmd.PTY)
	if !ok {
		return protocol.Reply{OK: false, Error: protocol.ErrPTYNotFound}
	}
	p.Stop()
	_ = p.Kill(syscall.SIGTERM, true)
	sess.RemovePTY(cmd.PTY)
	return protocol.Reply{OK: true}
}

func (s *Server) handleRestart(cmd protocol.Command) protocol.Reply {
	sess, ok := s.resolveSession(cmd)
	if !ok {
		return protocol.Reply{OK: false, Error: protocol.ErrSessionNotFound}
	}
	p, ok := sess.GetPTY(cmd.PTY)
	if !ok {
		return protocol.Reply{OK: false, Error: protocol.ErrPTYNotFound}
	}
	_ = p.Kill(os.Kill, true)
	return protocol.Reply{OK: true}
}

// handleStream upgrades conn into tagged-frame PTY streaming mode for
// `attach` and `shell` (spec §4.7). It owns the connection until the
// client detaches or disconnects.
func (s *Server) handleStream(conn *net.UnixConn, cmd protocol.Command) {
	sess, ok := s.resolveSession(cmd)
	if !ok {
		_ = ipc.WriteMessage(conn, protocol.Reply{OK: false, Error: protocol.ErrSessionNotFound})
		return
	}

	var target *ptyengine.PTY
	ptyID := cmd.PTY

	if cmd.Cmd == "shell" {
		res, err := sandbox.Enter(sandbox.EnterOpts{
			Handles:     sess.Handles,
			Command:     shellCommand(cmd),
			Cwd:         "/workspace",
			Cols:        uint16(cmd.Cols),
			Rows:        uint16(cmd.Rows),
			SessionName: sess.Name,
			Logger:      s.Logger,
		})
		if err != nil {
			_ = ipc.WriteMessage(conn, protocol.Reply{OK: false, Error: fmt.Sprintf("spawn shell: %v", err)})
			return
		}
		ptyID = sess.AddPTY(nil)
		p := ptyengine.New(ptyengine.Options{
			ID:            ptyID,
			Master:        res.Master,
			Process:       res.Process,
			AutoRestart:   false,
			ScrollbackCap: int(sess.Config.Defaults.ScrollbackBytes),
			Logger:        s.Logger,
		})
		sess.AddPTYWithID(ptyID, p)
		target = p
	} else {
		p, ok := sess.GetPTY(ptyID)
		if !ok {
			_ = ipc.WriteMessage(conn, protocol.Reply{OK: false, Error: protocol.ErrPTYNotFound})
			return
		}
		target = p
	}

	_ = ipc.WriteMessage(conn, protocol.Reply{OK: true, Session: sess.Name, PTY: ptyID})

	b := bridge.New(bridge.Options{
		Conn:        conn,
		PTY:         target,
		Session:     sess,
		InputFilter: cmd.Cmd == "attach",
		Filter:      sess.InputFilter(),
		Logger:      s.Logger,
	})
	b.Run()
}

func shellCommand(cmd protocol.Command) []string {
	if cmd.Command != "" {
		return []string{"/bin/sh", "-c", cmd.Command}
	}
	return []string{"/bin/bash"}
}
