package transport

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatusProblem derives the close-reason "problem" token for a
// transport whose byte stream was a spawned child process's stdio, per
// spec §6's exit status mapping table:
//
//	SIGTERM                                -> "terminated"
//	exit 127, well-known-named peer         -> "no-cockpit"
//	exit 255                                -> "terminated"
//	other abnormal exit                     -> "internal-error"
//
// wellKnownPeer indicates the process was started under the bridge's own
// well-known name (the external collaborator that spawned it is expected
// to say so; this package never looks at argv/comm itself).
func ExitStatusProblem(state *os.ProcessState, wellKnownPeer bool) string {
	if state == nil {
		return "internal-error"
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return "internal-error"
	}

	if ws.Signaled() {
		if unix.Signal(ws.Signal()) == unix.SIGTERM {
			return "terminated"
		}
		return "internal-error"
	}

	if ws.Exited() {
		code := ws.ExitStatus()
		switch {
		case code == 0:
			return ""
		case code == 255:
			return "terminated"
		case code == 127 && wellKnownPeer:
			return "no-cockpit"
		default:
			return "internal-error"
		}
	}

	return "internal-error"
}
