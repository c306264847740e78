package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Load and Delete for unknown keys.
	ErrNotFound = errors.New("instance not found")
	// ErrVersionConflict is returned by Save when the persisted version moved on.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the durable record of workflow instances and the only writer of
// persisted state.
type Store interface {
	// Load returns the persisted instance or ErrNotFound.
	Load(ctx context.Context, id string) (*Instance, error)
	// Save writes inst if the persisted version equals inst.Version (0 means
	// create). On success inst.Version is incremented and UpdatedAt is set;
	// otherwise ErrVersionConflict is returned and inst is untouched.
	Save(ctx context.Context, inst *Instance) error
	// ListActive returns all non-terminal instances ordered by ID.
	ListActive(ctx context.Context) ([]Instance, error)
	// List returns all instances ordered by ID.
	List(ctx context.Context) ([]Instance, error)
	// Delete removes an instance.
	Delete(ctx context.Context, id string) error
}

// CheckVersion applies the optimistic-concurrency rule shared by all stores.
// current is nil when no record exists.
func CheckVersion(current *Instance, inst *Instance) error {
	if current == nil {
		if inst.Version != 0 {
			return fmt.Errorf("save %s at version %d: %w (no record)", inst.ID, inst.Version, ErrVersionConflict)
		}
		return nil
	}
	if current.Version != inst.Version {
		return fmt.Errorf("save %s at version %d: %w (persisted %d)", inst.ID, inst.Version, ErrVersionConflict, current.Version)
	}
	return nil
}

// Stamp returns the record to persist for inst: next version, timestamps set.
func Stamp(inst *Instance, now time.Time) *Instance {
	next := *inst
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	return &next
}

// FileStore keeps one JSON document per instance on disk.
type FileStore struct {
	baseDir   string
	lockStale time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{
		baseDir:   baseDir,
		lockStale: 30 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

// DefaultFileStore returns a FileStore at ~/.devflow/instances, creating the directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".devflow", "instances")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewFileStore(dir), nil
}

func (s *FileStore) instanceDir(id string) string {
	return filepath.Join(s.baseDir, url.PathEscape(id))
}

func (s *FileStore) instancePath(id string) string {
	return filepath.Join(s.instanceDir(id), "instance.json")
}

func (s *FileStore) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Load reads the instance for id.
func (s *FileStore) Load(ctx context.Context, id string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*Instance, error) {
	inst, err := readInstanceFile(s.instancePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return inst, nil
}

// Save performs the versioned compare-and-swap for inst.
func (s *FileStore) Save(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	l := s.keyLock(inst.ID)
	l.Lock()
	defer l.Unlock()

	dir := s.instanceDir(inst.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	release, err := acquireLock(ctx, filepath.Join(dir, ".lock"), s.lockStale)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", inst.ID, err)
	}
	defer release()

	current, err := s.read(inst.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := CheckVersion(current, inst); err != nil {
		return err
	}

	next := Stamp(inst, s.now())
	if err := writeInstanceFile(s.instancePath(inst.ID), next); err != nil {
		return fmt.Errorf("write instance %s: %w", inst.ID, err)
	}
	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	inst.CreatedAt = next.CreatedAt
	return nil
}

// List returns all instances sorted by ID. Unreadable entries are skipped.
func (s *FileStore) List(ctx context.Context) ([]Instance, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var out []Instance
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		id, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		inst, err := s.read(id)
		if err != nil {
			continue // skip broken entries
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActive returns all non-terminal instances.
func (s *FileStore) ListActive(ctx context.Context) ([]Instance, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []Instance
	for _, inst := range all {
		if inst.Active() {
			active = append(active, inst)
		}
	}
	return active, nil
}

// Delete removes all data for an instance.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	l := s.keyLock(id)
	l.Lock()
	defer l.Unlock()

	dir := s.instanceDir(id)
	if _, err := os.Stat(s.instancePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}
