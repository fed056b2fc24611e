package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Ref is the opaque storage reference for one blob. Refs are generated,
// never derived from content: a record's ref stays stable across replace,
// and two puts never collide even for identical payloads.
type Ref string

// Store is the blob persistence contract used by the depot coordinators.
type Store interface {
	// Put persists the full reader under a fresh reference and returns it
	// with the payload byte count.
	Put(ctx context.Context, r io.Reader) (Ref, int64, error)
	// Get opens the blob at ref, failing with a not-found error for
	// unknown references.
	Get(ctx context.Context, ref Ref) (io.ReadCloser, int64, error)
	// Replace overwrites the bytes at an existing reference in place.
	Replace(ctx context.Context, ref Ref, r io.Reader) (int64, error)
	// Remove deletes the blob at ref. Removing an unknown reference is
	// not an error.
	Remove(ctx context.Context, ref Ref) error
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// RefInfo describes one stored blob during enumeration.
type RefInfo struct {
	Ref     Ref
	Size    int64
	ModTime time.Time
}

// Lister is implemented by stores that can enumerate their blobs, which
// the orphan sweeper requires.
type Lister interface {
	Refs(ctx context.Context) ([]RefInfo, error)
}

// NewRef generates a reference unique with overwhelming probability:
// a nanosecond timestamp followed by a random 128-bit suffix.
func NewRef() Ref {
	id := uuid.New()
	return Ref(fmt.Sprintf("%016x-%s", time.Now().UnixNano(), hex.EncodeToString(id[:])))
}

// validRefName reports whether name has the shape NewRef generates:
// 16 hex digits, a dash, 32 hex digits.
func validRefName(name string) bool {
	if len(name) != 49 || name[16] != '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		if i == 16 {
			continue
		}
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
