// Command coop is the client: a thin dispatcher that talks to coopd
// over its Unix socket, spawning the daemon on first use (spec §2, §6).
package main

import (
	"fmt"
	"os"

	"github.com/coop-sh/coop/internal/daemon"
	"github.com/coop-sh/coop/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	st, err := state.Open(os.Getenv("COOP_STATE_DIR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "coop:", err)
		os.Exit(1)
	}

	if err := daemon.EnsureRunning(st.SocketPath(), st.LockFilePath(), []string{"--state-dir", st.Root}); err != nil {
		fmt.Fprintln(os.Stderr, "coop: start daemon:", err)
		os.Exit(1)
	}

	client, err := dial(st.SocketPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "coop: connect:", err)
		os.Exit(1)
	}
	defer client.Close()

	cmd, args := os.Args[1], os.Args[2:]
	var runErr error
	switch cmd {
	case "create":
		runErr = cmdCreate(client, args)
	case "attach":
		runErr = cmdAttachOrShell(client, "attach", args)
	case "shell":
		runErr = cmdAttachOrShell(client, "shell", args)
	case "ls":
		runErr = cmdList(client)
	case "kill":
		runErr = cmdKill(client, args)
	case "restart":
		runErr = cmdRestart(client, args)
	case "session-kill":
		runErr = cmdSessionKill(client, args)
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "coop:", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coop <create|attach|shell|ls|kill|restart|session-kill> [args]`)
}
