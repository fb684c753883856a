// Package merkle builds binary hash trees over batches of record digests and
// produces inclusion proofs so a single member can be checked against an
// anchored root without revealing the rest of the batch.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// HashFunc folds node contents into a hex digest. It must match the digest
// algorithm used for the leaves.
type HashFunc func([]byte) string

// SHA256Hex is the default node hash.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tree is a binary hash tree over a set of leaf digests. Leaves are sorted
// lexicographically before construction, so the same digest set always yields
// the same root regardless of ingestion order. An odd node at the end of a
// level is paired with a duplicate of itself.
type Tree struct {
	// Leaves holds the sorted leaf digests.
	Leaves []string
	// Levels holds every level of node digests, leaves first, root last.
	Levels [][]string
	// Root is the single digest at the top of the tree. For an empty leaf
	// set it is hash(""), for a single leaf it equals that leaf.
	Root string

	hash HashFunc
}

// Build constructs a tree over the given leaf digests using hash. A nil hash
// selects SHA256Hex.
func Build(digests []string, hash HashFunc) *Tree {
	if hash == nil {
		hash = SHA256Hex
	}

	leaves := make([]string, len(digests))
	copy(leaves, digests)
	sort.Strings(leaves)

	t := &Tree{Leaves: leaves, hash: hash}

	if len(leaves) == 0 {
		t.Root = hash(nil)
		return t
	}

	level := leaves
	t.Levels = append(t.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level, hash)
		t.Levels = append(t.Levels, level)
	}
	t.Root = level[0]
	return t
}

// nextLevel pairs nodes left to right; parent = hash(left || right) over the
// hex digest strings, matching the leaf digest encoding.
func nextLevel(level []string, hash HashFunc) []string {
	nodes := level
	if len(nodes)%2 != 0 {
		nodes = append(append([]string{}, nodes...), nodes[len(nodes)-1])
	}
	next := make([]string, len(nodes)/2)
	for i := 0; i < len(nodes); i += 2 {
		next[i/2] = hash([]byte(nodes[i] + nodes[i+1]))
	}
	return next
}

// Index returns the position of digest among the sorted leaves, or an error
// if it is not a member.
func (t *Tree) Index(digest string) (int, error) {
	i := sort.SearchStrings(t.Leaves, digest)
	if i >= len(t.Leaves) || t.Leaves[i] != digest {
		return 0, fmt.Errorf("merkle: digest %s is not a leaf of this tree", digest)
	}
	return i, nil
}

// Size returns the number of leaves.
func (t *Tree) Size() int { return len(t.Leaves) }
