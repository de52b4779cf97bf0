// Package diffkey computes the canonical, deterministic identifier for a
// set of filesystem changes between two snapshots: the DiffKey.
//
// The computation reuses the same content-addressing idiom the
// containerd-backed commit path relies on (content digests,
// identity.ChainID-style composition) but implements the canonicalization
// and merkle reduction directly, since containerd's
// own diff service does not expose a traversal-order-independent key.
package diffkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/keelhost/keel/pkg/types"
)

// SchemaVersion is the DiffKey version prefix, guarding against key reuse
// across incompatible canonicalization schemes.
const SchemaVersion = "diffkey:v1"

// scratchBase is the base-digest placeholder used when there is no parent
// snapshot (a from-scratch layer).
const scratchBase = "scratch"

// Canonicalize renders one Change as the canonical per-change string from
// the canonical form. Callers must ensure XattrHash and ContentSum are already
// the hex sha256 of the respective inputs (or empty for deleted/non-file
// entries).
func Canonicalize(c types.Change) string {
	switch c.Kind {
	case types.ChangeDeleted:
		return fmt.Sprintf("D|%s", c.Path)
	case types.ChangeAdded:
		return fmt.Sprintf("A|%s|%s|%o|%d|%d|%s|xh:%s|ch:%s",
			c.Path, c.NodeKind, c.Mode, c.UID, c.GID, c.LinkTarget, c.XattrHash, c.ContentSum)
	case types.ChangeModified:
		return fmt.Sprintf("M|%s|%s|%o|%d|%d|%s|xh:%s|ch:%s",
			c.Path, c.NodeKind, c.Mode, c.UID, c.GID, c.LinkTarget, c.XattrHash, c.ContentSum)
	default:
		return fmt.Sprintf("?|%s", c.Path)
	}
}

func leafHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// merkleRoot pairs adjacent leaves (duplicating an odd node out at each
// level) until exactly one hash remains. An empty change set reduces to the
// hash of the empty string, so Compute is still well-defined for a no-op
// commit.
func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, pairHash(level[i], level[i+1]))
			} else {
				next = append(next, pairHash(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func pairHash(a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return sha256.Sum256(buf)
}

// Compute returns the DiffKey for the given base digest (empty for
// from-scratch) and an unordered set of changes. Changes are sorted
// lexicographically by path before hashing so the result does not depend on
// traversal order.
func Compute(baseDigest string, changes []types.Change) string {
	sorted := make([]types.Change, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	leaves := make([][32]byte, len(sorted))
	for i, c := range sorted {
		leaves[i] = leafHash(Canonicalize(c))
	}
	root := merkleRoot(leaves)

	base := baseDigest
	if base == "" {
		base = scratchBase
	}

	h := sha256.New()
	h.Write([]byte(SchemaVersion))
	h.Write([]byte(base))
	h.Write(root[:])
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
