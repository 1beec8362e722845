package temporal

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sengac/fspec-sub012/internal/coverage"
	"github.com/sengac/fspec-sub012/internal/domain"
)

type stubSource struct {
	features []string
	tests    []string
}

func (s stubSource) FeatureFiles(context.Context, string) ([]string, error) { return s.features, nil }
func (s stubSource) TestFiles(context.Context, string) ([]string, error)    { return s.tests, nil }

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("@AUTH-001\nFeature: login\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func unitEntered(state domain.Status, at time.Time) domain.WorkUnit {
	return domain.WorkUnit{
		ID:     "AUTH-001",
		Status: state,
		StateHistory: []domain.StateEntry{
			{State: domain.StatusBacklog, Timestamp: at.Add(-24 * time.Hour)},
			{State: state, Timestamp: at},
		},
	}
}

func TestValidateReportsArtifactOlderThanStateEntry(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	feature := filepath.Join(dir, "login.feature")
	writeFile(t, feature, t0.Add(-60*time.Minute))

	v := New(stubSource{features: []string{feature}})
	res, err := v.Validate(context.Background(), unitEntered(domain.StatusSpecifying, t0), SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(res.Violations))
	}
	got := res.Violations[0]
	if got.File != feature {
		t.Fatalf("violation file = %s", got.File)
	}
	if math.Abs(got.GapMinutes-60) > 0.01 {
		t.Fatalf("gap minutes = %v, want 60", got.GapMinutes)
	}
	if !got.StateEnteredAt.Equal(t0) {
		t.Fatalf("state entered = %v", got.StateEnteredAt)
	}
}

func TestValidateBoundaryAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	exact := filepath.Join(dir, "exact.feature")
	later := filepath.Join(dir, "later.feature")
	writeFile(t, exact, t0)
	writeFile(t, later, t0.Add(5*time.Minute))
	missing := filepath.Join(dir, "missing.feature")

	v := New(stubSource{features: []string{exact, later, missing}})
	res, err := v.Validate(context.Background(), unitEntered(domain.StatusSpecifying, t0), SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected no violations, got %+v", res.Violations)
	}
	if len(res.Checked) != 2 {
		t.Fatalf("expected 2 checked files, got %v", res.Checked)
	}
}

func TestValidateUsesTestingEntryForImplementing(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testFile := filepath.Join(dir, "login.test.ts")
	writeFile(t, testFile, t0.Add(-2*time.Hour))
	unit := unitEntered(domain.StatusTesting, t0)

	v := New(stubSource{tests: []string{testFile}})
	res, err := v.Validate(context.Background(), unit, TestingToImplementing)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 1 || math.Abs(res.Violations[0].GapMinutes-120) > 0.01 {
		t.Fatalf("unexpected violations %+v", res.Violations)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := filepath.Join(dir, "a.feature")
	b := filepath.Join(dir, "b.feature")
	writeFile(t, a, t0.Add(-10*time.Minute))
	writeFile(t, b, t0.Add(-30*time.Minute))

	v := New(stubSource{features: []string{b, a}})
	unit := unitEntered(domain.StatusSpecifying, t0)
	first, err := v.Validate(context.Background(), unit, SpecifyingToTesting)
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Validate(context.Background(), unit, SpecifyingToTesting)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Violations, second.Violations) {
		t.Fatalf("validation not idempotent:\n%+v\n%+v", first.Violations, second.Violations)
	}
	if first.Violations[0].File != a {
		t.Fatalf("violations not sorted by file: %+v", first.Violations)
	}
}

func TestValidateWithFileSource(t *testing.T) {
	root := t.TempDir()
	features := filepath.Join(root, "spec", "features")
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tagged := filepath.Join(features, "login.feature")
	writeFile(t, tagged, t0.Add(-60*time.Minute))
	other := filepath.Join(features, "other.feature")
	if err := os.WriteFile(other, []byte("@BILL-002\nFeature: billing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := t0.Add(-90 * time.Minute)
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	v := New(coverage.FileSource{Root: root, FeaturesDir: features})
	res, err := v.Validate(context.Background(), unitEntered(domain.StatusSpecifying, t0), SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].File != tagged {
		t.Fatalf("expected only the tagged feature to violate, got %+v", res.Violations)
	}
}

func TestKindFor(t *testing.T) {
	if k, ok := KindFor(domain.StatusSpecifying, domain.StatusTesting); !ok || k != SpecifyingToTesting {
		t.Fatalf("specifying->testing not guarded")
	}
	if k, ok := KindFor(domain.StatusTesting, domain.StatusImplementing); !ok || k != TestingToImplementing {
		t.Fatalf("testing->implementing not guarded")
	}
	if _, ok := KindFor(domain.StatusImplementing, domain.StatusValidating); ok {
		t.Fatalf("implementing->validating should not be guarded")
	}
}

func TestValidateIgnoresReturnFromBlocked(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	during := filepath.Join(dir, "during.feature")
	writeFile(t, during, t0.Add(30*time.Second))

	unit := domain.WorkUnit{
		ID:     "AUTH-001",
		Status: domain.StatusSpecifying,
		StateHistory: []domain.StateEntry{
			{State: domain.StatusBacklog, Timestamp: t0.Add(-24 * time.Hour)},
			{State: domain.StatusSpecifying, Timestamp: t0},
			{State: domain.StatusBlocked, Timestamp: t0.Add(2 * time.Minute)},
			{State: domain.StatusSpecifying, Timestamp: t0.Add(6 * time.Minute)},
		},
	}
	v := New(stubSource{features: []string{during}})
	res, err := v.Validate(context.Background(), unit, SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("file written while specifying reported after unblocking: %+v", res.Violations)
	}

	early := filepath.Join(dir, "early.feature")
	writeFile(t, early, t0.Add(-time.Minute))
	res, err = New(stubSource{features: []string{early}}).Validate(context.Background(), unit, SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 1 || !res.Violations[0].StateEnteredAt.Equal(t0) {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestValidateRevertOutOfBlockedStartsNewWindow(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	feature := filepath.Join(dir, "login.feature")
	writeFile(t, feature, t0.Add(time.Minute))

	reverted := t0.Add(40 * time.Minute)
	unit := domain.WorkUnit{
		ID:     "AUTH-001",
		Status: domain.StatusSpecifying,
		StateHistory: []domain.StateEntry{
			{State: domain.StatusBacklog, Timestamp: t0.Add(-24 * time.Hour)},
			{State: domain.StatusSpecifying, Timestamp: t0},
			{State: domain.StatusTesting, Timestamp: t0.Add(10 * time.Minute)},
			{State: domain.StatusBlocked, Timestamp: t0.Add(20 * time.Minute)},
			{State: domain.StatusSpecifying, Timestamp: reverted},
		},
	}
	res, err := New(stubSource{features: []string{feature}}).Validate(context.Background(), unit, SpecifyingToTesting)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Violations) != 1 || !res.Violations[0].StateEnteredAt.Equal(reverted) {
		t.Fatalf("violations = %+v", res.Violations)
	}
}
