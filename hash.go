// Optional content-hash helpers for callers writing a custom Partitioner
// or a ShapeMatcher key. Not used by the core write/read/index path
// itself, which never hashes a document, but offered on the same
// algorithm-selector shape so callers have a stable fingerprint to
// partition or index on without reaching for a fourth dependency.
package nestor

import (
	"fmt"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm selects one of the hash functions Hash can compute.
type HashAlgorithm int

const (
	// HashXXH3 is the default: fast, good distribution, no cryptographic
	// guarantees.
	HashXXH3 HashAlgorithm = iota
	// HashFNV1a has no external dependency, useful as a fallback.
	HashFNV1a
	// HashBlake2b gives the strongest distribution at higher cost; pick
	// it when callers need a collision-resistant partition key.
	HashBlake2b
)

// Hash renders a 16 hex character digest of data using alg.
func Hash(data []byte, alg HashAlgorithm) string {
	switch alg {
	case HashFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return fmt.Sprintf("%016x", h.Sum64())
	case HashBlake2b:
		h, _ := blake2b.New(8, nil)
		h.Write(data)
		return fmt.Sprintf("%016x", h.Sum(nil))
	default:
		return fmt.Sprintf("%016x", xxh3.Hash(data))
	}
}

// HashPartitioner builds a Partitioner that buckets documents into
// bucketCount partitions named "part-0".."part-{bucketCount-1}" by
// hashing the document's serialized form. Skew is bounded by the
// hash's distribution, not by sequence number like the default
// round-robin shape a caller might otherwise reach for.
func HashPartitioner(serializer Serializer, bucketCount int, alg HashAlgorithm) Partitioner {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return func(doc any, number uint32) string {
		s, err := serializer.Serialize(doc)
		if err != nil {
			return fmt.Sprintf("part-%d", int(number)%bucketCount)
		}
		digest := Hash([]byte(s), alg)
		var bucket uint64
		fmt.Sscanf(digest[:8], "%x", &bucket)
		return fmt.Sprintf("part-%d", int(bucket)%bucketCount)
	}
}
