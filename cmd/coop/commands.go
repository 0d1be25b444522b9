package main

import (
	"flag"
	"fmt"

	"github.com/coop-sh/coop/protocol"
)

func cmdCreate(c *conn, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "session name (default: workspace directory name)")
	detach := fs.Bool("detach", false, "don't attach after creating")
	if err := fs.Parse(args); err != nil {
		return err
	}

	workspace := "."
	if fs.NArg() > 0 {
		workspace = fs.Arg(0)
	}

	reply, err := c.send(protocol.Command{Cmd: "create", Workspace: workspace, Name: *name, Detach: *detach})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	fmt.Printf("session %q created (pid %d)\n", reply.Session, reply.PID)

	if *detach {
		return nil
	}
	return streamPTY(c, reply.Session, reply.PTY, "attach", "")
}

func cmdAttachOrShell(c *conn, kind string, args []string) error {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	session := fs.String("session", "", "session name")
	command := fs.String("command", "", "shell command (shell only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name := *session
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	return streamPTY(c, name, 0, kind, *command)
}

func cmdList(c *conn) error {
	reply, err := c.send(protocol.Command{Cmd: "ls"})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	for _, s := range reply.Sessions {
		fmt.Printf("%-20s %-30s pid=%d created=%s\n", s.Name, s.Workspace, s.PID, s.Created)
		for _, p := range s.PTYs {
			fmt.Printf("  pty %d  %-6s %s\n", p.ID, p.Role, p.Command)
		}
	}
	return nil
}

func cmdKill(c *conn, args []string) error {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	all := fs.Bool("all", false, "kill every session")
	force := fs.Bool("force", false, "SIGKILL instead of a graceful signal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	session := ""
	if fs.NArg() > 0 {
		session = fs.Arg(0)
	}
	reply, err := c.send(protocol.Command{Cmd: "kill", Session: session, All: *all, Force: *force})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	return nil
}

func cmdRestart(c *conn, args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	session := fs.String("session", "", "session name")
	pty := fs.Int("pty", 0, "pty id to restart")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reply, err := c.send(protocol.Command{Cmd: "restart", Session: *session, PTY: *pty})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	return nil
}

func cmdSessionKill(c *conn, args []string) error {
	fs := flag.NewFlagSet("session-kill", flag.ExitOnError)
	session := fs.String("session", "", "session name")
	pty := fs.Int("pty", 0, "pty id to kill")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reply, err := c.send(protocol.Command{Cmd: "session-kill", Session: *session, PTY: *pty})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}
	return nil
}
