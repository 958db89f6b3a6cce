package evaluator

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// helperRunner runs the test binary itself in place of the interpreter. The
// child sees the harness command line after "--" and acts out the behaviour
// named in the candidate source.
func helperRunner() *ProcessRunner {
	return &ProcessRunner{
		Interpreter: os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: -- harness.py candidate.py function")
		os.Exit(2)
	}
	code, err := os.ReadFile(args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	source := string(code)

	reply := func(v map[string]any) {
		_ = json.NewEncoder(os.Stdout).Encode(v)
	}

	if args[3] == compileFlag {
		if strings.Contains(source, "BADSYNTAX") {
			reply(map[string]any{"ok": false, "syntax": map[string]any{"line": 3, "column": 7, "message": "unexpected indent"}})
		} else {
			reply(map[string]any{"ok": true})
		}
		return
	}

	var payload struct {
		Input any `json:"input"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch {
	case strings.Contains(source, "ORPHAN"):
		// A grandchild in its own session keeps stdout open after we exit.
		fields := strings.Fields(source)
		orphan := exec.Command(fields[len(fields)-1], "20")
		orphan.Stdout = os.Stdout
		orphan.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := orphan.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		reply(map[string]any{"ok": true, "value": "escaped", "elapsed_ms": 0.5})
	case strings.Contains(source, "HANG"):
		time.Sleep(time.Hour)
	case strings.Contains(source, "CRASH"):
		fmt.Fprintln(os.Stderr, "Fatal Python error: Segmentation fault")
		os.Exit(139)
	case strings.Contains(source, "SPAM"):
		chunk := strings.Repeat("x", 64<<10)
		for i := 0; i < 64; i++ {
			fmt.Fprint(os.Stdout, chunk)
		}
	case strings.Contains(source, "RAISE"):
		reply(map[string]any{"ok": false, "error": "ZeroDivisionError: division by zero"})
	case strings.Contains(source, "ECHO"):
		reply(map[string]any{"ok": true, "value": payload.Input, "elapsed_ms": 0.25})
	default:
		n, _ := payload.Input.(float64)
		reply(map[string]any{"ok": true, "value": n * 2, "elapsed_ms": 0.5})
	}
}
