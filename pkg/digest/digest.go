package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/jacktea/depot/pkg/xerrors"
)

// Size is the fingerprint length in hex characters (SHA-256).
const Size = sha256.Size * 2

// Fingerprint is the lowercase hex SHA-256 digest of a payload. Fingerprint
// equality is the sole criterion for content equality across the depot.
type Fingerprint string

// Sum computes the fingerprint of data. Deterministic, no side effects.
func Sum(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// New returns a streaming hasher for callers that buffer payloads
// themselves. Finish the stream with Finish.
func New() hash.Hash {
	return sha256.New()
}

// Finish converts a completed hasher into a Fingerprint.
func Finish(h hash.Hash) Fingerprint {
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Parse validates an externally supplied fingerprint string.
func Parse(s string) (Fingerprint, error) {
	if len(s) != Size {
		return "", xerrors.E(xerrors.KindInvalid, "digest.Parse", s)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", xerrors.E(xerrors.KindInvalid, "digest.Parse", s)
		}
	}
	return Fingerprint(s), nil
}
