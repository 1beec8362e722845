package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sengac/fspec-sub012/internal/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func writeHooks(t *testing.T, dir string, f File) string {
	t.Helper()
	path := filepath.Join(dir, "fspec-hooks.json")
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func intPtr(n int) *int { return &n }

func TestLoadFileMissingIsEmpty(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Bindings()) != 0 {
		t.Fatalf("expected no bindings")
	}
}

func TestLoadFileAssignsEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.json")
	raw := `{"global":{"timeout":30},"hooks":{"pre-testing":[{"name":"lint","command":"true","blocking":true}]}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := f.Bindings()
	if len(b) != 1 || b[0].Event != "pre-testing" || !b[0].Blocking {
		t.Fatalf("unexpected bindings %+v", b)
	}
	if f.Global.Timeout != 30 {
		t.Fatalf("global timeout = %d", f.Global.Timeout)
	}
}

func TestLoadFileRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMatches(t *testing.T) {
	unit := domain.WorkUnit{ID: "AUTH-001", Epic: "security", Tags: []string{"@critical"}, Estimate: intPtr(5)}
	cases := []struct {
		name string
		cond *domain.HookCondition
		want bool
	}{
		{"nil", nil, true},
		{"tag", &domain.HookCondition{Tags: []string{"critical"}}, true},
		{"tag miss", &domain.HookCondition{Tags: []string{"@ui"}}, false},
		{"prefix", &domain.HookCondition{Prefix: []string{"auth"}}, true},
		{"prefix miss", &domain.HookCondition{Prefix: []string{"BILL"}}, false},
		{"epic", &domain.HookCondition{Epic: []string{"security"}}, true},
		{"estimate in range", &domain.HookCondition{EstimateMin: intPtr(3), EstimateMax: intPtr(8)}, true},
		{"estimate below", &domain.HookCondition{EstimateMin: intPtr(8)}, false},
		{"all fields", &domain.HookCondition{Tags: []string{"critical"}, Prefix: []string{"AUTH"}, EstimateMax: intPtr(4)}, false},
	}
	for _, tc := range cases {
		if got := Matches(tc.cond, unit); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
	if Matches(&domain.HookCondition{EstimateMin: intPtr(1)}, domain.WorkUnit{ID: "X-1"}) {
		t.Errorf("estimate condition should not match unestimated unit")
	}
}

func TestRunBlockingFailure(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"pre-implementing": {
			{Name: "tests", Command: "echo 'tests failing' >&2; exit 3", Blocking: true},
		},
	}})
	e := NewEngine(path, dir)
	res, err := e.Run(context.Background(), "pre-implementing", domain.WorkUnit{ID: "AUTH-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.BlockedFailure == nil {
		t.Fatalf("expected blocking failure")
	}
	if res.BlockedFailure.Name != "tests" || res.BlockedFailure.ExitCode != 3 {
		t.Fatalf("unexpected failure %+v", res.BlockedFailure)
	}
	if res.BlockedFailure.Stderr != "tests failing" {
		t.Fatalf("stderr = %q", res.BlockedFailure.Stderr)
	}
	if res.Outcomes[0].Outcome != OutcomeBlockingFailure {
		t.Fatalf("outcome = %s", res.Outcomes[0].Outcome)
	}
}

func TestRunCollectsNonBlockingFailures(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"post-testing": {
			{Name: "notify", Command: "exit 1"},
			{Name: "ok", Command: "true"},
		},
	}})
	res, err := NewEngine(path, dir).Run(context.Background(), "post-testing", domain.WorkUnit{ID: "AUTH-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.BlockedFailure != nil {
		t.Fatalf("unexpected blocking failure %+v", res.BlockedFailure)
	}
	if res.RanCount != 2 {
		t.Fatalf("ran = %d", res.RanCount)
	}
	if len(res.NonBlockingFailures) != 1 || res.NonBlockingFailures[0].Name != "notify" {
		t.Fatalf("non-blocking failures = %+v", res.NonBlockingFailures)
	}
}

func TestRunPassesContextOnStdin(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "payload.json")
	path := writeHooks(t, dir, File{})
	unit := domain.WorkUnit{
		ID:           "AUTH-001",
		VirtualHooks: []domain.HookBinding{{Name: "capture", Event: "pre-testing", Command: "cat > payload.json"}},
	}
	e := NewEngine(path, dir)
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	res, err := e.Run(context.Background(), "pre-testing", unit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RanCount != 1 {
		t.Fatalf("virtual hook did not run")
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("payload not written: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.WorkUnitID != "AUTH-001" || p.Event != "pre-testing" || p.Timestamp != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestRunSkipsNonMatchingConditions(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"pre-testing": {
			{Name: "bill-only", Command: "exit 1", Blocking: true, Condition: &domain.HookCondition{Prefix: []string{"BILL"}}},
		},
	}})
	res, err := NewEngine(path, dir).Run(context.Background(), "pre-testing", domain.WorkUnit{ID: "AUTH-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RanCount != 0 || res.BlockedFailure != nil {
		t.Fatalf("condition not honoured: %+v", res)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"pre-validating": {{Name: "slow", Command: "exec sleep 30", Blocking: true, TimeoutSeconds: 1}},
	}})
	start := time.Now()
	res, err := NewEngine(path, dir).Run(context.Background(), "pre-validating", domain.WorkUnit{ID: "AUTH-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout not enforced")
	}
	if res.Outcomes[0].Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s", res.Outcomes[0].Outcome)
	}
	if res.BlockedFailure == nil || !res.BlockedFailure.TimedOut {
		t.Fatalf("timeout on blocking hook must block: %+v", res.BlockedFailure)
	}
}

func TestRunBlockingFailureCancelsSiblings(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"pre-done": {
			{Name: "slow", Command: "exec sleep 30"},
			{Name: "gate", Command: "exit 1", Blocking: true},
		},
	}})
	start := time.Now()
	res, err := NewEngine(path, dir).Run(context.Background(), "pre-done", domain.WorkUnit{ID: "AUTH-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 15*time.Second {
		t.Fatalf("sibling hook was not cancelled")
	}
	if res.BlockedFailure == nil || res.BlockedFailure.Name != "gate" {
		t.Fatalf("blocked failure = %+v", res.BlockedFailure)
	}
	if res.Outcomes[0].Outcome != OutcomeCancelled {
		t.Fatalf("slow hook outcome = %s", res.Outcomes[0].Outcome)
	}
	if len(res.NonBlockingFailures) != 0 {
		t.Fatalf("cancelled hooks are not failures: %+v", res.NonBlockingFailures)
	}
}

func TestRunCallerCancellationIsNotAPass(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	path := writeHooks(t, dir, File{Hooks: map[string][]domain.HookBinding{
		"pre-specifying": {{Name: "gate", Command: "exec sleep 30", Blocking: true}},
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := NewEngine(path, dir).Run(ctx, "pre-specifying", domain.WorkUnit{ID: "AUTH-001"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if res.Outcomes[0].Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s", res.Outcomes[0].Outcome)
	}
}

func TestFormatBlockingFailure(t *testing.T) {
	out := FormatBlockingFailure(domain.HookFailure{Name: "lint", Event: "pre-testing", ExitCode: 2, Stderr: "3 problems"})
	if !strings.HasPrefix(out, "<system-reminder>") || !strings.HasSuffix(out, "</system-reminder>") {
		t.Fatalf("missing markers: %q", out)
	}
	for _, want := range []string{"lint", "exit code 2", "3 problems", "not applied"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
	post := FormatBlockingFailure(domain.HookFailure{Name: "deploy", Event: "post-done", TimedOut: true})
	if !strings.Contains(post, "timed out") || !strings.Contains(post, "already applied") {
		t.Errorf("unexpected post-hook text %q", post)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scripts", "lint.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	lookPath := func(name string) (string, error) {
		if name == "npm" {
			return "/usr/bin/npm", nil
		}
		return "", exec.ErrNotFound
	}
	bindings := []domain.HookBinding{
		{Name: "lint", Event: "pre-testing", Command: "./scripts/lint.sh --fix"},
		{Name: "test", Event: "pre-implementing", Command: "npm test"},
		{Name: "missing", Event: "pre-implementing", Command: "./scripts/missing.sh"},
		{Name: "nobin", Event: "post-done", Command: "nonexistent-tool run"},
		{Name: "bad", Event: "during-testing", Command: "true"},
		{Name: "test", Event: "pre-implementing", Command: "npm test"},
	}
	issues := Validate(dir, bindings, lookPath)
	got := map[string]bool{}
	for _, is := range issues {
		got[is.Name+":"+is.Problem] = true
	}
	for _, want := range []string{
		"missing:script not found: ./scripts/missing.sh",
		"nobin:command not found on PATH: nonexistent-tool",
		"bad:unknown event",
		"test:duplicate name",
	} {
		if !got[want] {
			t.Errorf("missing issue %q in %+v", want, issues)
		}
	}
	if len(issues) != 4 {
		t.Errorf("expected 4 issues, got %d: %+v", len(issues), issues)
	}
}
