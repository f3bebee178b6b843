package main

import (
	"io"
	"os"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func TestIsHelpToken(t *testing.T) {
	for _, token := range []string{"help", "--help", "-h"} {
		if !isHelpToken(token) {
			t.Errorf("isHelpToken(%q) = false, want true", token)
		}
	}
	if isHelpToken("start") {
		t.Error("isHelpToken(\"start\") = true, want false")
	}
}

func TestNounHelpListsActions(t *testing.T) {
	tests := []struct {
		name string
		run  func([]string) int
		want string
	}{
		{"system", runSystemNoun, "start"},
		{"task", runTaskNoun, "submit, inspect, cancel"},
		{"approval", runApprovalNoun, "list, decide"},
		{"worker", runWorkerNoun, "list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int {
				return tt.run([]string{"help"})
			})
			if code != 0 {
				t.Fatalf("%s help returned code %d", tt.name, code)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("%s help missing actions %q: %s", tt.name, tt.want, stdout)
			}
		})
	}
}

func TestNounWithoutActionFails(t *testing.T) {
	for name, run := range map[string]func([]string) int{
		"system":   runSystemNoun,
		"task":     runTaskNoun,
		"approval": runApprovalNoun,
		"worker":   runWorkerNoun,
	} {
		code, _, _ := captureOutputWithExitCode(t, func() int {
			return run(nil)
		})
		if code != 1 {
			t.Errorf("%s with no action returned code %d, want 1", name, code)
		}
	}
}

func TestUnknownActionFails(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskNoun([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("unknown action returned code %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown task action") {
		t.Fatalf("stderr missing unknown-action message: %s", stderr)
	}
}

func TestTaskInspectRequiresID(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runTaskInspect(nil)
	})
	if code != 1 {
		t.Fatalf("inspect without id returned code %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: warden task inspect") {
		t.Fatalf("stderr missing usage line: %s", stderr)
	}
}

func TestApprovalDecideRequiresExactlyOneDecision(t *testing.T) {
	// Neither flag.
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runApprovalDecide([]string{"req-1"})
	})
	if code != 1 {
		t.Fatalf("decide without flags returned code %d, want 1", code)
	}
	if !strings.Contains(stderr, "--approve | --deny") {
		t.Fatalf("stderr missing usage line: %s", stderr)
	}

	// Both flags.
	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runApprovalDecide([]string{"req-1", "--approve", "--deny"})
	})
	if code != 1 {
		t.Fatalf("decide with both flags returned code %d, want 1", code)
	}
}

func TestStartRejectsMissingConfig(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runStart([]string{"--config", "/nonexistent/warden.yaml"})
	})
	if code != 1 {
		t.Fatalf("start with missing config returned code %d, want 1", code)
	}
	if !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("stderr missing load failure: %s", stderr)
	}
}
