package repo

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sengac/fspec-sub012/internal/domain"
)

func newUnit(id string, status domain.Status) domain.WorkUnit {
	ts := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	return domain.WorkUnit{
		ID:           id,
		Type:         domain.TypeStory,
		Title:        "unit " + id,
		Status:       status,
		StateHistory: []domain.StateEntry{{State: status, Timestamp: ts}},
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "spec", "work-units.json"))
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.WorkUnits) != 0 {
		t.Fatalf("expected empty store, got %d units", len(doc.WorkUnits))
	}
	for _, st := range domain.AllStatuses {
		if doc.States[st] == nil {
			t.Fatalf("state list %s not initialised", st)
		}
	}
	if _, err := s.Get("AUTH-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMovesIDBetweenStateLists(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "work-units.json"))
	fixed := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	if err := s.Update(func(doc *Document) error {
		doc.Put(newUnit("AUTH-001", domain.StatusBacklog))
		return nil
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Update(func(doc *Document) error {
		w, err := doc.Get("AUTH-001")
		if err != nil {
			return err
		}
		w.Status = domain.StatusSpecifying
		doc.Put(w)
		return nil
	}); err != nil {
		t.Fatalf("move: %v", err)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.States[domain.StatusBacklog]) != 0 {
		t.Fatalf("backlog still lists %v", doc.States[domain.StatusBacklog])
	}
	if got := doc.States[domain.StatusSpecifying]; len(got) != 1 || got[0] != "AUTH-001" {
		t.Fatalf("specifying = %v", got)
	}
	if !doc.Meta.LastUpdated.Equal(fixed) {
		t.Fatalf("lastUpdated = %v", doc.Meta.LastUpdated)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "work-units.json"))
	boom := errors.New("boom")
	err := s.Update(func(doc *Document) error {
		doc.Put(newUnit("AUTH-001", domain.StatusBacklog))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatalf("store written despite error: %v", err)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work-units.json")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate Store values open separate lock descriptors, like separate processes.
			s := NewStore(path)
			err := s.Update(func(doc *Document) error {
				doc.Put(newUnit(doc.NextID("auth"), domain.StatusBacklog))
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	doc, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.WorkUnits) != 8 || len(doc.States[domain.StatusBacklog]) != 8 {
		t.Fatalf("expected 8 units, got %d (%v)", len(doc.WorkUnits), doc.States[domain.StatusBacklog])
	}
}

func TestNextIDAndList(t *testing.T) {
	doc := newDocument()
	doc.Put(newUnit("AUTH-002", domain.StatusBacklog))
	doc.Put(newUnit("AUTH-010", domain.StatusTesting))
	doc.Put(newUnit("UI-001", domain.StatusBacklog))

	if got := doc.NextID(" auth "); got != "AUTH-011" {
		t.Fatalf("next id = %s", got)
	}
	if got := doc.NextID("api"); got != "API-001" {
		t.Fatalf("next id = %s", got)
	}
	backlog := doc.List(domain.StatusBacklog)
	if len(backlog) != 2 || backlog[0].ID != "AUTH-002" || backlog[1].ID != "UI-001" {
		t.Fatalf("backlog = %+v", backlog)
	}
	if all := doc.List(""); len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	doc := newDocument()
	doc.Put(newUnit("AUTH-001", domain.StatusBacklog))
	w, _ := doc.Get("AUTH-001")
	w.StateHistory[0].State = domain.StatusDone
	w.Tags = append(w.Tags, "x")

	again, _ := doc.Get("AUTH-001")
	if again.StateHistory[0].State != domain.StatusBacklog || len(again.Tags) != 0 {
		t.Fatalf("stored unit mutated through copy: %+v", again)
	}
}
