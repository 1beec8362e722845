// Package hooks discovers and runs the shell commands bound to lifecycle events.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/reminder"
)

const DefaultTimeout = 60 * time.Second

// Outcome is the tagged result of one hook process.
type Outcome string

const (
	OutcomeOk                 Outcome = "ok"
	OutcomeBlockingFailure    Outcome = "blocking_failure"
	OutcomeNonBlockingFailure Outcome = "non_blocking_failure"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeCancelled          Outcome = "cancelled"
)

type HookResult struct {
	Name     string        `json:"name"`
	Event    string        `json:"event"`
	Blocking bool          `json:"blocking"`
	Outcome  Outcome       `json:"outcome"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"-"`
}

// Failed reports whether the hook did not complete successfully.
func (r HookResult) Failed() bool {
	return r.Outcome != OutcomeOk && r.Outcome != OutcomeCancelled
}

func (r HookResult) Failure() domain.HookFailure {
	return domain.HookFailure{
		Name:     r.Name,
		Event:    r.Event,
		ExitCode: r.ExitCode,
		TimedOut: r.Outcome == OutcomeTimeout,
		Stderr:   r.Stderr,
		Stdout:   r.Stdout,
	}
}

type RunResult struct {
	Event               string               `json:"event"`
	RanCount            int                  `json:"ranCount"`
	BlockedFailure      *domain.HookFailure  `json:"blockedFailure,omitempty"`
	NonBlockingFailures []domain.HookFailure `json:"nonBlockingFailures,omitempty"`
	Outcomes            []HookResult         `json:"outcomes"`
}

// Payload is written as JSON to each hook's stdin.
type Payload struct {
	WorkUnitID string `json:"workUnitId"`
	Event      string `json:"event"`
	Timestamp  string `json:"timestamp"`
}

type Engine struct {
	// ConfigPath is re-read on every Run.
	ConfigPath     string
	Dir            string
	Shell          string
	DefaultTimeout time.Duration
	MaxConcurrency int
	Now            func() time.Time
	Logger         *slog.Logger
}

func NewEngine(configPath, dir string) *Engine {
	return &Engine{ConfigPath: configPath, Dir: dir, Shell: "/bin/sh", DefaultTimeout: DefaultTimeout, Now: time.Now}
}

// Discover returns the project and virtual bindings for event whose condition matches the unit.
func (e *Engine) Discover(event string, unit domain.WorkUnit) ([]domain.HookBinding, Global, error) {
	f, err := LoadFile(e.ConfigPath)
	if err != nil {
		return nil, Global{}, err
	}
	var out []domain.HookBinding
	for _, b := range f.Hooks[event] {
		if Matches(b.Condition, unit) {
			out = append(out, b)
		}
	}
	for _, b := range unit.VirtualHooks {
		if b.Event == event && Matches(b.Condition, unit) {
			out = append(out, b)
		}
	}
	return out, f.Global, nil
}

var errBlocked = errors.New("blocking hook failed")

// Run executes every hook bound to event concurrently. The first blocking failure
// cancels the hooks still running; Run returns once all of them have exited.
// If ctx ends first, Run returns its error and the event does not count as passed.
func (e *Engine) Run(ctx context.Context, event string, unit domain.WorkUnit) (RunResult, error) {
	res := RunResult{Event: event, Outcomes: []HookResult{}}
	bindings, global, err := e.Discover(event, unit)
	if err != nil {
		return res, err
	}
	if len(bindings) == 0 {
		return res, nil
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	stdin, err := json.Marshal(Payload{WorkUnitID: unit.ID, Event: event, Timestamp: now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return res, err
	}

	shell := e.Shell
	if global.Shell != "" {
		shell = global.Shell
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	defTimeout := e.DefaultTimeout
	if global.Timeout > 0 {
		defTimeout = time.Duration(global.Timeout) * time.Second
	}
	if defTimeout <= 0 {
		defTimeout = DefaultTimeout
	}

	base := pool.New()
	if e.MaxConcurrency > 0 {
		base = base.WithMaxGoroutines(e.MaxConcurrency)
	}
	p := base.WithContext(ctx).WithCancelOnError()

	var mu sync.Mutex
	results := make([]HookResult, len(bindings))
	for i, b := range bindings {
		i, b := i, b
		p.Go(func(ctx context.Context) error {
			timeout := defTimeout
			if b.TimeoutSeconds > 0 {
				timeout = time.Duration(b.TimeoutSeconds) * time.Second
			}
			r := e.runOne(ctx, shell, b, stdin, timeout)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			if b.Blocking && r.Failed() {
				return errBlocked
			}
			return nil
		})
	}
	_ = p.Wait()

	res.Outcomes = results
	// Several blocking hooks may fail before cancellation lands; report the first declared.
	for _, r := range results {
		if r.Outcome != OutcomeCancelled {
			res.RanCount++
		}
		if !r.Failed() {
			continue
		}
		f := r.Failure()
		if r.Blocking {
			if res.BlockedFailure == nil {
				res.BlockedFailure = &f
			}
			continue
		}
		res.NonBlockingFailures = append(res.NonBlockingFailures, f)
	}
	// Hooks cut short by the caller never passed; only a sibling's blocking failure may cancel them.
	if res.BlockedFailure == nil {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s hooks interrupted: %w", event, err)
		}
	}
	return res, nil
}

func (e *Engine) runOne(parent context.Context, shell string, b domain.HookBinding, stdin []byte, timeout time.Duration) HookResult {
	r := HookResult{Name: b.Name, Event: b.Event, Blocking: b.Blocking, ExitCode: -1}
	if parent.Err() != nil {
		r.Outcome = OutcomeCancelled
		return r
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", b.Command)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	r.Duration = time.Since(start)
	r.Stdout = strings.TrimRight(stdout.String(), "\n")
	r.Stderr = strings.TrimRight(stderr.String(), "\n")

	switch {
	case err == nil:
		r.Outcome = OutcomeOk
		r.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		r.Outcome = OutcomeTimeout
		if r.Stderr == "" {
			r.Stderr = fmt.Sprintf("hook timed out after %s", timeout)
		}
	case parent.Err() != nil:
		r.Outcome = OutcomeCancelled
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.ExitCode = exitErr.ExitCode()
		} else if r.Stderr == "" {
			r.Stderr = err.Error()
		}
		if b.Blocking {
			r.Outcome = OutcomeBlockingFailure
		} else {
			r.Outcome = OutcomeNonBlockingFailure
		}
	}
	e.logger().Debug("hook finished", "hook", b.Name, "event", b.Event, "outcome", r.Outcome, "exit", r.ExitCode, "duration", r.Duration)
	return r
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// FormatBlockingFailure renders a blocking failure as an advisory block for the caller.
func FormatBlockingFailure(f domain.HookFailure) string {
	return reminder.Wrap(DescribeBlockingFailure(f))
}

// DescribeBlockingFailure is the unwrapped text of FormatBlockingFailure, for
// callers that fold it into a larger advisory.
func DescribeBlockingFailure(f domain.HookFailure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BLOCKING HOOK FAILURE: %s hook %q failed", f.Event, f.Name)
	if f.TimedOut {
		b.WriteString(" (timed out)")
	} else {
		fmt.Fprintf(&b, " with exit code %d", f.ExitCode)
	}
	if strings.HasPrefix(f.Event, "post-") {
		b.WriteString(".\nThe status change was already applied and has not been undone.\n")
	} else {
		b.WriteString(".\nThe status change was not applied.\n")
	}
	if f.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(f.Stderr)
		b.WriteString("\n")
	}
	b.WriteString("\nFix the problem reported above before continuing.")
	return b.String()
}
