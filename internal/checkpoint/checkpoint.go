// Package checkpoint stores named snapshots of the working tree as git objects
// and keeps a per-work-unit index of them.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/google/uuid"

	"github.com/sengac/fspec-sub012/internal/domain"
)

const (
	RefPrefix = "refs/fspec-checkpoints/"
	indexDir  = "fspec-checkpoints-index"
	autoMark  = "-auto-"
)

// ClassifyName derives the kind from the name alone.
func ClassifyName(name string) domain.CheckpointKind {
	if strings.Contains(name, autoMark) {
		return domain.CheckpointAutomatic
	}
	return domain.CheckpointManual
}

// AutoName is the checkpoint name taken before a unit leaves state.
func AutoName(id string, state domain.Status) string {
	return id + autoMark + string(state)
}

// FormatCounts renders counts as "N Manual, M Auto".
func FormatCounts(c domain.CheckpointCounts) string {
	return fmt.Sprintf("%d Manual, %d Auto", c.Manual, c.Auto)
}

// Index is the on-disk shape of <IndexDir>/<ID>.json.
type Index struct {
	Checkpoints []Entry `json:"checkpoints"`
}

type Entry struct {
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type RestoreResult struct {
	Checkpoint domain.CheckpointRecord `json:"checkpoint"`
	Files      []string                `json:"files"`
}

// Drift is an index entry whose snapshot ref is gone.
type Drift struct {
	Name    string `json:"name"`
	Problem string `json:"problem"`
}

type Manager struct {
	Root     string
	GitDir   string
	IndexDir string
	GitBin   string
	Now      func() time.Time
	Logger   *slog.Logger

	repo *git.Repository
}

// Open locates the repository containing root. indexDir may be empty to use the default under the git dir.
func Open(root, indexDirOverride string) (*Manager, error) {
	r, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err != nil {
		return nil, domain.WrapError(domain.KindCheckpointFailure, "open git repository", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, domain.WrapError(domain.KindCheckpointFailure, "open worktree", err)
	}
	m := &Manager{Root: wt.Filesystem.Root(), GitBin: "git", Now: time.Now, repo: r}
	if fs, ok := r.Storer.(*filesystem.Storage); ok {
		m.GitDir = fs.Filesystem().Root()
	} else {
		m.GitDir = filepath.Join(m.Root, ".git")
	}
	m.IndexDir = indexDirOverride
	if m.IndexDir == "" {
		m.IndexDir = filepath.Join(m.GitDir, indexDir)
	}
	return m, nil
}

// Counter returns a manager that only reads the index directory, for use outside a git repository.
func Counter(dir string) *Manager {
	return &Manager{IndexDir: dir, Now: time.Now}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func refName(id, name string) plumbing.ReferenceName {
	return plumbing.ReferenceName(RefPrefix + id + "/" + name)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n/\\~^:?*[") || strings.Contains(name, "..") || strings.HasPrefix(name, "-") {
		return domain.NewError(domain.KindInvalidInput, "invalid checkpoint name %q", name)
	}
	return nil
}

// Dirty reports whether tracked or untracked (non-ignored) files differ from HEAD.
func (m *Manager) Dirty() (bool, error) {
	wt, err := m.repo.Worktree()
	if err != nil {
		return false, err
	}
	st, err := wt.Status()
	if err != nil {
		return false, err
	}
	return !st.IsClean(), nil
}

// Create snapshots the working tree without touching the real index or any file.
// Automatic checkpoints replace an older one of the same name; manual names must be unique.
func (m *Manager) Create(ctx context.Context, id, name, message string, automatic bool) (domain.CheckpointRecord, error) {
	rec := domain.CheckpointRecord{Name: name, WorkUnitID: id, Kind: ClassifyName(name)}
	if err := validName(name); err != nil {
		return rec, err
	}
	if automatic && rec.Kind != domain.CheckpointAutomatic {
		return rec, domain.NewError(domain.KindInvalidInput, "automatic checkpoint name must contain %q", autoMark)
	}
	if !automatic && rec.Kind == domain.CheckpointAutomatic {
		return rec, domain.NewError(domain.KindInvalidInput, "manual checkpoint name must not contain %q", autoMark)
	}
	dirty, err := m.Dirty()
	if err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "read working tree status", err)
	}
	if !dirty {
		return rec, domain.NewError(domain.KindNoChanges, "no changes to checkpoint for %s", id)
	}

	unlock, err := m.lockIndex(id)
	if err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "lock checkpoint index", err)
	}
	defer unlock()
	idx, err := m.readIndex(id)
	if err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "read checkpoint index", err)
	}
	if !automatic {
		for _, e := range idx.Checkpoints {
			if e.Name == name {
				return rec, domain.NewError(domain.KindInvalidInput, "checkpoint %q already exists for %s", name, id)
			}
		}
	}

	if message == "" {
		message = fmt.Sprintf("fspec checkpoint %s for %s", name, id)
	}
	commit, err := m.snapshot(ctx, message)
	if err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "snapshot working tree", err)
	}
	if _, err := m.git(ctx, nil, "update-ref", string(refName(id, name)), commit); err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "store checkpoint ref", err)
	}

	rec.Message = message
	rec.CreatedAt = m.now().UTC()
	kept := idx.Checkpoints[:0]
	for _, e := range idx.Checkpoints {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	idx.Checkpoints = append(kept, Entry{Name: name, Message: message, CreatedAt: rec.CreatedAt})
	if err := m.writeIndex(id, idx); err != nil {
		return rec, domain.WrapError(domain.KindCheckpointFailure, "write checkpoint index", err)
	}
	m.logger().Info("checkpoint created", "work_unit", id, "name", name, "kind", rec.Kind, "commit", commit)
	return rec, nil
}

// snapshot writes a commit of the full working tree using a throwaway index file.
func (m *Manager) snapshot(ctx context.Context, message string) (string, error) {
	tmpIndex := filepath.Join(m.GitDir, "fspec-index-"+uuid.NewString())
	defer os.Remove(tmpIndex)
	if data, err := os.ReadFile(filepath.Join(m.GitDir, "index")); err == nil {
		if err := os.WriteFile(tmpIndex, data, 0o644); err != nil {
			return "", err
		}
	}
	env := []string{"GIT_INDEX_FILE=" + tmpIndex}
	if _, err := m.git(ctx, env, "add", "-A"); err != nil {
		return "", err
	}
	tree, err := m.git(ctx, env, "write-tree")
	if err != nil {
		return "", err
	}
	args := []string{"commit-tree", tree, "-m", message}
	if head, err := m.repo.Head(); err == nil {
		args = append(args, "-p", head.Hash().String())
	}
	return m.git(ctx, env, args...)
}

func (m *Manager) git(ctx context.Context, env []string, args ...string) (string, error) {
	bin := m.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = m.Root
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=fspec", "GIT_AUTHOR_EMAIL=fspec@localhost",
		"GIT_COMMITTER_NAME=fspec", "GIT_COMMITTER_EMAIL=fspec@localhost",
	)
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// List returns the unit's checkpoints oldest first. No index means no checkpoints.
func (m *Manager) List(id string) ([]domain.CheckpointRecord, error) {
	idx, err := m.readIndex(id)
	if errors.Is(err, errCorruptIndex) {
		m.logger().Warn("skipping unreadable checkpoint index", "work_unit", id, "error", err)
		return []domain.CheckpointRecord{}, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindCheckpointFailure, "read checkpoint index", err)
	}
	out := make([]domain.CheckpointRecord, 0, len(idx.Checkpoints))
	for _, e := range idx.Checkpoints {
		out = append(out, domain.CheckpointRecord{
			Name: e.Name, Message: e.Message, CreatedAt: e.CreatedAt, WorkUnitID: id, Kind: ClassifyName(e.Name),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Restore writes every file of the snapshot back into the working tree.
// Files created after the snapshot are left alone.
func (m *Manager) Restore(ctx context.Context, id, name string) (RestoreResult, error) {
	var res RestoreResult
	list, err := m.List(id)
	if err != nil {
		return res, err
	}
	found := false
	for _, r := range list {
		if r.Name == name {
			res.Checkpoint = r
			found = true
			break
		}
	}
	if !found {
		return res, domain.NewError(domain.KindCheckpointNotFound, "checkpoint %q not found for %s", name, id)
	}
	ref, err := m.repo.Reference(refName(id, name), true)
	if err != nil {
		return res, domain.WrapError(domain.KindCheckpointFailure, fmt.Sprintf("snapshot for %q is missing", name), err)
	}
	commit, err := m.repo.CommitObject(ref.Hash())
	if err != nil {
		return res, domain.WrapError(domain.KindCheckpointFailure, "read snapshot commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return res, domain.WrapError(domain.KindCheckpointFailure, "read snapshot tree", err)
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.writeFile(f); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		res.Files = append(res.Files, f.Name)
		return nil
	})
	if err != nil {
		return res, domain.WrapError(domain.KindCheckpointFailure, "restore files", err)
	}
	m.logger().Info("checkpoint restored", "work_unit", id, "name", name, "files", len(res.Files))
	return res, nil
}

func (m *Manager) writeFile(f *object.File) error {
	dst := filepath.Join(m.Root, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer r.Close()
	if f.Mode == filemode.Symlink {
		target, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(string(target), dst)
	}
	perm := os.FileMode(0o644)
	if f.Mode == filemode.Executable {
		perm = 0o755
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// Verify reports index entries whose snapshot ref no longer exists.
func (m *Manager) Verify(id string) ([]Drift, error) {
	list, err := m.List(id)
	if err != nil {
		return nil, err
	}
	var drift []Drift
	for _, r := range list {
		if _, err := m.repo.Reference(refName(id, r.Name), true); err != nil {
			problem := "snapshot ref missing"
			if !errors.Is(err, plumbing.ErrReferenceNotFound) {
				problem = err.Error()
			}
			drift = append(drift, Drift{Name: r.Name, Problem: problem})
		}
	}
	return drift, nil
}

// VerifyAll runs Verify for every unit with an index file and returns only units with drift.
func (m *Manager) VerifyAll() (map[string][]Drift, error) {
	if m.repo == nil {
		return nil, domain.NewError(domain.KindCheckpointFailure, "drift check needs a git repository")
	}
	entries, err := os.ReadDir(m.IndexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]Drift{}, nil
		}
		return nil, err
	}
	out := map[string][]Drift{}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(de.Name(), ".json")
		drift, err := m.Verify(id)
		if err != nil {
			m.logger().Warn("skipping unreadable checkpoint index", "work_unit", id, "error", err)
			continue
		}
		if len(drift) > 0 {
			out[id] = drift
		}
	}
	return out, nil
}

// CountAll classifies every checkpoint in every index file. A missing directory
// counts as zero; unreadable or corrupt files are skipped.
func (m *Manager) CountAll() (domain.CheckpointCounts, error) {
	var c domain.CheckpointCounts
	entries, err := os.ReadDir(m.IndexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		path := filepath.Join(m.IndexDir, de.Name())
		idx, err := readIndexFile(path)
		if err != nil {
			m.logger().Warn("skipping unreadable checkpoint index", "file", path, "error", err)
			continue
		}
		for _, e := range idx.Checkpoints {
			if ClassifyName(e.Name) == domain.CheckpointAutomatic {
				c.Auto++
			} else {
				c.Manual++
			}
		}
	}
	return c, nil
}

func (m *Manager) indexPath(id string) string {
	return filepath.Join(m.IndexDir, id+".json")
}

func (m *Manager) readIndex(id string) (Index, error) {
	idx, err := readIndexFile(m.indexPath(id))
	if err != nil && os.IsNotExist(err) {
		return Index{}, nil
	}
	return idx, err
}

func readIndexFile(path string) (Index, error) {
	var idx Index
	data, err := os.ReadFile(path)
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("%w %s: %v", errCorruptIndex, path, err)
	}
	return idx, nil
}

var errCorruptIndex = errors.New("corrupt checkpoint index")

// lockIndex takes an exclusive flock on the unit's <ID>.json.lock sidecar so that
// concurrent creators do not drop each other's entries.
func (m *Manager) lockIndex(id string) (func(), error) {
	if err := os.MkdirAll(m.IndexDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(m.indexPath(id)+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (m *Manager) writeIndex(id string, idx Index) error {
	if err := os.MkdirAll(m.IndexDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	path := m.indexPath(id)
	tmp, err := os.CreateTemp(m.IndexDir, "."+id+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
