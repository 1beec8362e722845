package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sengac/fspec-sub012/internal/domain"
)

// ErrNotFound is returned for unknown work units.
var ErrNotFound = domain.ErrNotFound

const storeVersion = "1.0.0"

// Document is the on-disk shape of the work-unit store.
type Document struct {
	Meta struct {
		Version     string    `json:"version"`
		LastUpdated time.Time `json:"lastUpdated"`
	} `json:"meta"`
	WorkUnits map[string]*domain.WorkUnit `json:"workUnits"`
	States    map[domain.Status][]string  `json:"states"`
}

func newDocument() *Document {
	doc := &Document{WorkUnits: map[string]*domain.WorkUnit{}, States: map[domain.Status][]string{}}
	doc.Meta.Version = storeVersion
	for _, s := range domain.AllStatuses {
		doc.States[s] = []string{}
	}
	return doc
}

// Get returns a copy of the unit with the given id.
func (d *Document) Get(id string) (domain.WorkUnit, error) {
	w, ok := d.WorkUnits[id]
	if !ok {
		return domain.WorkUnit{}, domain.NotFoundf("work unit %s not found", id)
	}
	return cloneUnit(*w), nil
}

// Put replaces (or inserts) a unit and keeps the per-state lists in sync with its status.
func (d *Document) Put(w domain.WorkUnit) {
	prev, existed := d.WorkUnits[w.ID]
	if existed && prev.Status != w.Status {
		d.States[prev.Status] = removeID(d.States[prev.Status], w.ID)
	}
	if !containsID(d.States[w.Status], w.ID) {
		d.States[w.Status] = append(d.States[w.Status], w.ID)
	}
	c := cloneUnit(w)
	d.WorkUnits[w.ID] = &c
}

// NextID returns the next free PREFIX-NNN id.
func (d *Document) NextID(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	max := 0
	for id := range d.WorkUnits {
		if !strings.HasPrefix(id, prefix+"-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix+"-"))
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%03d", prefix, max+1)
}

// List returns units sorted by id, optionally filtered by status.
func (d *Document) List(status domain.Status) []domain.WorkUnit {
	var out []domain.WorkUnit
	for _, w := range d.WorkUnits {
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, cloneUnit(*w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store persists work units to a single JSON file. Readers take a shared flock and
// writers an exclusive one on a sidecar lock file, since rename replaces the data file's inode.
type Store struct {
	path string
	Now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, Now: time.Now}
}

func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string { return s.path + ".lock" }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Load reads the whole store under a shared lock. A missing file is an empty store.
func (s *Store) Load() (*Document, error) {
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.readLocked()
}

// Get returns one unit.
func (s *Store) Get(id string) (domain.WorkUnit, error) {
	doc, err := s.Load()
	if err != nil {
		return domain.WorkUnit{}, err
	}
	return doc.Get(id)
}

// Update runs fn against the current document while holding the exclusive lock,
// then writes the result atomically. If fn returns an error nothing is written.
func (s *Store) Update(fn func(doc *Document) error) error {
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.Meta.LastUpdated = s.now().UTC()
	return s.writeLocked(doc)
}

func (s *Store) lock(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) readLocked() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.WorkUnits == nil {
		doc.WorkUnits = map[string]*domain.WorkUnit{}
	}
	if doc.States == nil {
		doc.States = map[domain.Status][]string{}
	}
	for _, st := range domain.AllStatuses {
		if doc.States[st] == nil {
			doc.States[st] = []string{}
		}
	}
	return doc, nil
}

// writeLocked uses write-temp-fsync-rename so a crash leaves either the old or the new file.
func (s *Store) writeLocked(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmpPath := s.path + ".tmp"
	tmpF, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmpF.Write(data); err != nil {
		tmpF.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to store: %w", err)
	}
	return nil
}

func cloneUnit(w domain.WorkUnit) domain.WorkUnit {
	c := w
	c.StateHistory = append([]domain.StateEntry(nil), w.StateHistory...)
	c.VirtualHooks = append([]domain.HookBinding(nil), w.VirtualHooks...)
	c.Blocks = append([]string(nil), w.Blocks...)
	c.BlockedBy = append([]string(nil), w.BlockedBy...)
	c.Tags = append([]string(nil), w.Tags...)
	if w.Estimate != nil {
		e := *w.Estimate
		c.Estimate = &e
	}
	return c
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
