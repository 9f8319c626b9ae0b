package evidence

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint derives the per-tenant dedup key for one artefact as a BLAKE3
// hex digest over its natural identity. Volatile fields (timestamps, payload
// refs, scores) stay out of the hash so re-collections of the same artefact
// converge on the same key.
func Fingerprint(sourceSystem, evidenceType, naturalKey string) string {
	h := blake3.New()
	// NUL separators keep ("ab","c") and ("a","bc") distinct.
	h.Write([]byte(sourceSystem))
	h.Write([]byte{0})
	h.Write([]byte(evidenceType))
	h.Write([]byte{0})
	h.Write([]byte(naturalKey))
	return hex.EncodeToString(h.Sum(nil))
}
