package meta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/digest"
	"github.com/jacktea/depot/pkg/xerrors"
)

// FileRecord is the metadata entry describing one stored blob.
//
// Invariants maintained by every Store implementation: no two live records
// share a fingerprint, and no two live records share a storage reference.
type FileRecord struct {
	ID          string             `json:"id"`
	Fingerprint digest.Fingerprint `json:"hash"`
	DisplayName string             `json:"filename"`
	StorageRef  blob.Ref           `json:"storageRef"`
	Size        int64              `json:"size"`
	ContentType string             `json:"mimetype"`
	Description string             `json:"description"`
	UploadedAt  time.Time          `json:"uploadDate"`
}

// Store persists file records, keyed by id and uniquely by fingerprint.
//
// Insert is atomic with respect to its uniqueness check: from the caller's
// point of view, check-then-insert is one indivisible operation. That is
// the mechanism behind the depot's first-writer-wins creation guarantee.
type Store interface {
	FindByFingerprint(ctx context.Context, fp digest.Fingerprint) (FileRecord, error)
	FindByID(ctx context.Context, id string) (FileRecord, error)
	// Insert fails with a conflict error when the id or fingerprint is
	// already live.
	Insert(ctx context.Context, record FileRecord) error
	// Update fails with a not-found error when the id is absent.
	Update(ctx context.Context, record FileRecord) error
	// Remove is idempotent.
	Remove(ctx context.Context, id string) error
	// List returns every live record, newest upload first. The order is
	// total (id breaks timestamp ties), so repeated listings without
	// intervening writes are identical.
	List(ctx context.Context) ([]FileRecord, error)
	Count(ctx context.Context) (int, error)
}

// sortRecords orders newest-first with descending id as the tiebreak.
func sortRecords(records []FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UploadedAt.Equal(records[j].UploadedAt) {
			return records[i].UploadedAt.After(records[j].UploadedAt)
		}
		return records[i].ID > records[j].ID
	})
}

// MemoryStore is a mutex-guarded in-memory Store for tests and ephemeral
// deployments. Contents are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]FileRecord
	byFP map[digest.Fingerprint]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]FileRecord),
		byFP: make(map[digest.Fingerprint]string),
	}
}

func (m *MemoryStore) FindByFingerprint(ctx context.Context, fp digest.Fingerprint) (FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byFP[fp]
	if !ok {
		return FileRecord{}, xerrors.E(xerrors.KindNotFound, "meta.FindByFingerprint", string(fp))
	}
	return m.byID[id], nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.byID[id]
	if !ok {
		return FileRecord{}, xerrors.E(xerrors.KindNotFound, "meta.FindByID", id)
	}
	return record, nil
}

func (m *MemoryStore) Insert(ctx context.Context, record FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[record.ID]; ok {
		return xerrors.E(xerrors.KindConflict, "meta.Insert", record.ID)
	}
	if _, ok := m.byFP[record.Fingerprint]; ok {
		return xerrors.E(xerrors.KindConflict, "meta.Insert", string(record.Fingerprint))
	}
	m.byID[record.ID] = record
	m.byFP[record.Fingerprint] = record.ID
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, record FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, ok := m.byID[record.ID]
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "meta.Update", record.ID)
	}
	if prior.Fingerprint != record.Fingerprint {
		if owner, taken := m.byFP[record.Fingerprint]; taken && owner != record.ID {
			return xerrors.E(xerrors.KindConflict, "meta.Update", string(record.Fingerprint))
		}
		delete(m.byFP, prior.Fingerprint)
		m.byFP[record.Fingerprint] = record.ID
	}
	m.byID[record.ID] = record
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byFP, record.Fingerprint)
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FileRecord, 0, len(m.byID))
	for _, record := range m.byID {
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}
