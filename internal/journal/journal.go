package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Op string

const (
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

// Entry is one SaveQueue slot. Delete markers ride in the save queue too so a
// flush can tell a deletion-only batch apart from an empty one.
type Entry struct {
	Seq    uint64            `json:"seq"`
	Op     Op                `json:"op"`
	Record annotation.Record `json:"record"`
}

type DeleteEntry struct {
	Seq      uint64              `json:"seq"`
	Deletion annotation.Deletion `json:"deletion"`
}

// Snapshot is everything the engine has accepted but the handler has not
// confirmed yet, for one (user, block) scope.
type Snapshot struct {
	Scope       string        `json:"scope"`
	Seq         uint64        `json:"seq"`
	SaveQueue   []Entry       `json:"saveQueue"`
	DeleteQueue []DeleteEntry `json:"deleteQueue"`
	SavedAt     time.Time     `json:"savedAt"`
}

func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.SaveQueue) == 0 && len(s.DeleteQueue) == 0)
}

type Backend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

// Close releases backend resources when the backend holds any.
func Close(b Backend) error {
	if closer, ok := b.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type MemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *MemoryBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(snapshot *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// FileBackend keeps one snapshot per scope in a single JSON document, so
// engines for different users or blocks can share a path.
type FileBackend struct {
	Path  string
	Scope string

	mu sync.Mutex
}

type fileDocument struct {
	Scopes map[string]*Snapshot `json:"scopes"`
}

func NewFileBackend(path, scope string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path), Scope: scope}
}

func (b *FileBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.Scopes[b.Scope], nil
}

func (b *FileBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return err
	}
	if snapshot.Empty() {
		delete(doc.Scopes, b.Scope)
	} else {
		doc.Scopes[b.Scope] = snapshot
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *FileBackend) readLocked() (*fileDocument, error) {
	doc := &fileDocument{}
	data, err := os.ReadFile(b.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, err
		}
	}
	if doc.Scopes == nil {
		doc.Scopes = map[string]*Snapshot{}
	}
	return doc, nil
}
