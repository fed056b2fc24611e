package meta

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jacktea/depot/pkg/digest"
)

// CachedStore wraps a Store with an expiring LRU over both lookup keys.
// Reads hit the cache first; every mutation invalidates the affected
// entries so callers never observe a stale record after their own write.
type CachedStore struct {
	inner Store
	byID  *expirable.LRU[string, FileRecord]
	byFP  *expirable.LRU[digest.Fingerprint, FileRecord]
}

// NewCachedStore caches up to entries records per key space with the
// given TTL.
func NewCachedStore(inner Store, entries int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		byID:  expirable.NewLRU[string, FileRecord](entries, nil, ttl),
		byFP:  expirable.NewLRU[digest.Fingerprint, FileRecord](entries, nil, ttl),
	}
}

func (c *CachedStore) FindByFingerprint(ctx context.Context, fp digest.Fingerprint) (FileRecord, error) {
	if record, ok := c.byFP.Get(fp); ok {
		return record, nil
	}
	record, err := c.inner.FindByFingerprint(ctx, fp)
	if err != nil {
		return FileRecord{}, err
	}
	c.remember(record)
	return record, nil
}

func (c *CachedStore) FindByID(ctx context.Context, id string) (FileRecord, error) {
	if record, ok := c.byID.Get(id); ok {
		return record, nil
	}
	record, err := c.inner.FindByID(ctx, id)
	if err != nil {
		return FileRecord{}, err
	}
	c.remember(record)
	return record, nil
}

func (c *CachedStore) Insert(ctx context.Context, record FileRecord) error {
	if err := c.inner.Insert(ctx, record); err != nil {
		return err
	}
	c.remember(record)
	return nil
}

func (c *CachedStore) Update(ctx context.Context, record FileRecord) error {
	// The prior record comes from the inner store, not the cache: the
	// cached copy may have been evicted while its fingerprint entry lives
	// on, and that entry must still be invalidated.
	prior, priorErr := c.inner.FindByID(ctx, record.ID)
	if err := c.inner.Update(ctx, record); err != nil {
		return err
	}
	if priorErr == nil && prior.Fingerprint != record.Fingerprint {
		c.byFP.Remove(prior.Fingerprint)
	}
	c.remember(record)
	return nil
}

func (c *CachedStore) Remove(ctx context.Context, id string) error {
	if record, ok := c.byID.Get(id); ok {
		c.byFP.Remove(record.Fingerprint)
	}
	c.byID.Remove(id)
	return c.inner.Remove(ctx, id)
}

func (c *CachedStore) List(ctx context.Context) ([]FileRecord, error) {
	return c.inner.List(ctx)
}

func (c *CachedStore) Count(ctx context.Context) (int, error) {
	return c.inner.Count(ctx)
}

func (c *CachedStore) remember(record FileRecord) {
	c.byID.Add(record.ID, record)
	c.byFP.Add(record.Fingerprint, record)
}
