package evaluator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

//go:embed harness.py
var harnessSource []byte

// Outcome is how a single isolated invocation ended.
type Outcome string

const (
	OutcomeReturned Outcome = "returned"
	OutcomeRaised   Outcome = "raised"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeCrashed  Outcome = "crashed"
)

type Invocation struct {
	Code           string
	FunctionName   string
	Input          any
	Timeout        time.Duration
	MaxOutputBytes int64
}

type RunOutput struct {
	Outcome Outcome
	Value   any
	Elapsed time.Duration
	Detail  string
}

// Runner invokes the target function once in a disposable execution unit.
// The returned error is reserved for failures to launch the unit at all and
// for cancellation of ctx; everything the candidate does is an Outcome.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (RunOutput, error)
}

// Compiler is implemented by runners that can check code with the target
// interpreter's own compiler before any example runs.
type Compiler interface {
	Compile(ctx context.Context, code string, timeout time.Duration) error
}

// ProcessRunner starts one interpreter process per invocation in its own
// process group with an allowlisted environment and a scratch directory
// that is removed afterwards.
type ProcessRunner struct {
	Interpreter string
	// Args precede the harness path on the command line.
	Args []string
	// Env is the complete environment of the child.
	Env []string
}

func NewProcessRunner(interpreter string) *ProcessRunner {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &ProcessRunner{
		Interpreter: interpreter,
		Args:        []string{"-I"},
		Env: []string{
			"PYTHONDONTWRITEBYTECODE=1",
			"PYTHONHASHSEED=0",
			"PYTHONIOENCODING=utf-8",
		},
	}
}

// waitDelay bounds how long Wait keeps draining output after the child has
// exited. A grandchild that escaped the process group can hold the pipes open.
const waitDelay = 250 * time.Millisecond

// compileFlag asks the harness to compile the candidate without running it.
const compileFlag = "--compile"

type harnessReply struct {
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value"`
	ElapsedMS float64         `json:"elapsed_ms"`
	Error     string          `json:"error"`
	Syntax    *syntaxReply    `json:"syntax"`
}

type syntaxReply struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// unit is one finished interpreter process.
type unit struct {
	stdout   *cappedBuffer
	stderr   *cappedBuffer
	waitErr  error
	timedOut bool
	elapsed  time.Duration
}

func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (RunOutput, error) {
	payload, err := json.Marshal(map[string]any{"input": Encode(inv.Input)})
	if err != nil {
		return RunOutput{}, fmt.Errorf("encode example input: %w", err)
	}

	limit := inv.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	u, err := r.launch(ctx, inv.Code, []string{inv.FunctionName}, payload, inv.Timeout, limit)
	if err != nil {
		return RunOutput{}, err
	}
	if u.timedOut {
		return RunOutput{
			Outcome: OutcomeTimedOut,
			Elapsed: u.elapsed,
			Detail:  fmt.Sprintf("exceeded %s", effectiveTimeout(inv.Timeout)),
		}, nil
	}
	if u.stdout.overflow {
		return RunOutput{Outcome: OutcomeCrashed, Elapsed: u.elapsed, Detail: fmt.Sprintf("output exceeded %d bytes", limit)}, nil
	}

	var reply harnessReply
	if err := json.Unmarshal(u.stdout.Bytes(), &reply); err != nil {
		return RunOutput{Outcome: OutcomeCrashed, Elapsed: u.elapsed, Detail: u.crashDetail()}, nil
	}

	if !reply.OK {
		return RunOutput{Outcome: OutcomeRaised, Elapsed: u.elapsed, Detail: reply.Error}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(reply.Value))
	dec.UseNumber()
	var value any
	if len(reply.Value) > 0 {
		if err := dec.Decode(&value); err != nil {
			return RunOutput{Outcome: OutcomeCrashed, Elapsed: u.elapsed, Detail: fmt.Sprintf("decode result: %v", err)}, nil
		}
	}
	return RunOutput{
		Outcome: OutcomeReturned,
		Value:   Normalize(value),
		Elapsed: time.Duration(reply.ElapsedMS * float64(time.Millisecond)),
	}, nil
}

// Compile asks the interpreter's own compiler whether code is acceptable,
// without executing it. Rejected code yields a *SyntaxError.
func (r *ProcessRunner) Compile(ctx context.Context, code string, timeout time.Duration) error {
	u, err := r.launch(ctx, code, []string{compileFlag}, nil, timeout, 64<<10)
	if err != nil {
		return err
	}
	if u.timedOut {
		return fmt.Errorf("compile check exceeded %s", effectiveTimeout(timeout))
	}
	var reply harnessReply
	if err := json.Unmarshal(u.stdout.Bytes(), &reply); err != nil {
		return fmt.Errorf("compile check: %s", u.crashDetail())
	}
	if reply.OK {
		return nil
	}
	if reply.Syntax == nil {
		return fmt.Errorf("compile check: %s", reply.Error)
	}
	return &SyntaxError{Line: reply.Syntax.Line, Column: reply.Syntax.Column, Message: reply.Syntax.Message}
}

// launch runs the harness over code in a scratch directory. The error return
// covers launch failures and cancellation only.
func (r *ProcessRunner) launch(ctx context.Context, code string, harnessArgs []string, stdin []byte, timeout time.Duration, limit int64) (unit, error) {
	interpreter, err := exec.LookPath(r.Interpreter)
	if err != nil {
		return unit{}, fmt.Errorf("locate interpreter %q: %w", r.Interpreter, err)
	}

	dir, err := os.MkdirTemp("", "codevolve-eval-*")
	if err != nil {
		return unit{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	harnessPath := filepath.Join(dir, "harness.py")
	candidatePath := filepath.Join(dir, "candidate.py")
	if err := os.WriteFile(harnessPath, harnessSource, 0o600); err != nil {
		return unit{}, fmt.Errorf("write harness: %w", err)
	}
	if err := os.WriteFile(candidatePath, []byte(code), 0o600); err != nil {
		return unit{}, fmt.Errorf("write candidate: %w", err)
	}

	u := unit{
		stdout: &cappedBuffer{limit: limit},
		stderr: &cappedBuffer{limit: 16 << 10},
	}

	args := append(append([]string(nil), r.Args...), harnessPath, candidatePath)
	args = append(args, harnessArgs...)
	cmd := exec.Command(interpreter, args...)
	cmd.Dir = dir
	cmd.Env = append([]string{}, r.Env...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = u.stdout
	cmd.Stderr = u.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return unit{}, fmt.Errorf("start interpreter: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(effectiveTimeout(timeout))
	defer timer.Stop()

	start := time.Now()
	select {
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return unit{}, fmt.Errorf("evaluation cancelled: %w", ctx.Err())
	case <-timer.C:
		killGroup(cmd)
		<-done
		u.timedOut = true
	case u.waitErr = <-done:
	}
	u.elapsed = time.Since(start)
	return u, nil
}

func (u unit) crashDetail() string {
	detail := "no result from harness"
	var exitErr *exec.ExitError
	if errors.As(u.waitErr, &exitErr) {
		detail = fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	if tail := lastLine(u.stderr.String()); tail != "" {
		detail += ": " + tail
	}
	return detail
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 2 * time.Second
	}
	return timeout
}

// killGroup terminates the whole process group so grandchildren spawned by
// the candidate die with it.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.overflow = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.overflow = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return truncate(s, 200)
}
