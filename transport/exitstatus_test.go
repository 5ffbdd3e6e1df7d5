package transport

import (
	"os/exec"
	"testing"
)

func TestExitStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		script    string
		wellKnown bool
		want      string
	}{
		{"clean exit", "exit 0", false, ""},
		{"exit 255 terminated", "exit 255", false, "terminated"},
		{"exit 127 well-known is no-cockpit", "exit 127", true, "no-cockpit"},
		{"exit 127 unknown peer is internal-error", "exit 127", false, "internal-error"},
		{"other nonzero is internal-error", "exit 13", false, "internal-error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := exec.Command("sh", "-c", tc.script)
			_ = cmd.Run()
			got := ExitStatusProblem(cmd.ProcessState, tc.wellKnown)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExitStatusSignaled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	_ = cmd.Run()
	got := ExitStatusProblem(cmd.ProcessState, false)
	if got != "terminated" {
		t.Fatalf("got %q, want terminated", got)
	}
}

func TestExitStatusNilState(t *testing.T) {
	if got := ExitStatusProblem(nil, false); got != "internal-error" {
		t.Fatalf("got %q, want internal-error", got)
	}
}
