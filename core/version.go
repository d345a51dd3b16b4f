package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// VersionVector is a monotone (version, timestamp, node, checksum) tuple
// providing a total order across replicas of a flag definition. The zero
// value is not a valid version vector; construct one with Make.
type VersionVector struct {
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"nodeId"`
	Checksum  string `json:"checksum"`
}

// Make creates the first VersionVector for a replica. If nodeID is empty a
// random one is generated (github.com/google/uuid) so embedding callers
// never have to invent a node identity themselves; now is the caller's
// clock reading in unix milliseconds.
func Make(nodeID, seedValue string, now int64) VersionVector {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return VersionVector{
		Version:   1,
		Timestamp: now,
		NodeID:    nodeID,
		Checksum:  checksumHex(seedValue),
	}
}

// Increment advances vv to the next version for the same node.
func Increment(vv VersionVector, seedValue string, now int64) VersionVector {
	return VersionVector{
		Version:   vv.Version + 1,
		Timestamp: now,
		NodeID:    vv.NodeID,
		Checksum:  checksumHex(seedValue),
	}
}

// Compare returns -1, 0, or 1 or comparing a to b using the tiebreak chain
// version -> timestamp -> node id (lexicographic) -> checksum
// (lexicographic). It is a total order over VersionVector.
func Compare(a, b VersionVector) int {
	if a.Version != b.Version {
		if a.Version < b.Version {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	if a.Checksum != b.Checksum {
		if a.Checksum < b.Checksum {
			return -1
		}
		return 1
	}
	return 0
}

// IsNewer reports whether a strictly follows b in the total order.
func IsNewer(a, b VersionVector) bool {
	return Compare(a, b) > 0
}

// Merge resolves a conflict between a local and a remote VersionVector. The
// winner of Compare supplies NodeID/Checksum; the returned version is
// max(local,remote)+1 timestamped at now, per the merge algorithm.
func Merge(local, remote VersionVector, now int64) VersionVector {
	winner := local
	if IsNewer(remote, local) {
		winner = remote
	}
	maxVersion := local.Version
	if remote.Version > maxVersion {
		maxVersion = remote.Version
	}
	return VersionVector{
		Version:   maxVersion + 1,
		Timestamp: now,
		NodeID:    winner.NodeID,
		Checksum:  winner.Checksum,
	}
}

// String renders vv in the wire format "version:timestamp:nodeId:checksum".
func (vv VersionVector) String() string {
	return fmt.Sprintf("%d:%d:%s:%s", vv.Version, vv.Timestamp, vv.NodeID, vv.Checksum)
}

// ParseVersionVector parses the wire format produced by String. Parsing is
// total: malformed input returns an error, never a panic.
func ParseVersionVector(s string) (VersionVector, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return VersionVector{}, fmt.Errorf("core: parse version vector %q: expected 4 colon-delimited fields, got %d", s, len(parts))
	}

	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return VersionVector{}, fmt.Errorf("core: parse version vector %q: version: %w", s, err)
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return VersionVector{}, fmt.Errorf("core: parse version vector %q: timestamp: %w", s, err)
	}
	nodeID := parts[2]
	if nodeID == "" {
		return VersionVector{}, fmt.Errorf("core: parse version vector %q: node id is empty", s)
	}
	checksum := parts[3]

	return VersionVector{
		Version:   version,
		Timestamp: timestamp,
		NodeID:    nodeID,
		Checksum:  checksum,
	}, nil
}

// checksumHex renders the 32-bit djb2-variant hash of seed as 8 lowercase
// hex characters. This is the single hash function shared by VersionVector
// checksums, AuditRecord checksums, and the evaluator's rollout bucketing
// (core.Bucket) -- spec's open question about "a single function" is fixed
// here.
func checksumHex(seed string) string {
	return fmt.Sprintf("%08x", hash32(seed))
}

// ChecksumHex exports checksumHex for packages outside core (audit
// records use the same hash for self-checksumming, per the data model).
func ChecksumHex(seed string) string {
	return checksumHex(seed)
}

// hash32 is a djb2-variant 32-bit non-cryptographic hash over the UTF-8
// bytes of s. It is deterministic and stable across process runs, which is
// the only contract the spec places on it; it is not meant to resist
// adversarial input (see the package-level non-goals around cryptographic
// integrity and unpredictable bucketing).
func hash32(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
