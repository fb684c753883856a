package merkle

import "fmt"

// ProofStep is one level of an inclusion proof. Side records where the
// sibling sat relative to the node on the path: "L" means the sibling is the
// left operand of the parent hash, "R" the right. Encoding the side closes
// the ambiguity of a side-blind fold, where distinct tree shapes can verify
// identically.
type ProofStep struct {
	Side    string `json:"side"`
	Sibling string `json:"sibling_hash"`
}

const (
	// SideLeft marks a sibling hashed before the path node.
	SideLeft = "L"
	// SideRight marks a sibling hashed after the path node.
	SideRight = "R"
)

// Proof carries the sibling path from one leaf up to just below the root.
type Proof struct {
	LeafDigest string      `json:"leaf_digest"`
	LeafIndex  int         `json:"leaf_index"`
	Root       string      `json:"root"`
	Steps      []ProofStep `json:"steps"`
}

// Prove generates an inclusion proof for the leaf at index i. At each level
// the sibling of the path node is recorded (the duplicate-self sibling when
// the node has no right partner), then the index halves.
func (t *Tree) Prove(i int) (*Proof, error) {
	if len(t.Leaves) == 0 {
		return nil, fmt.Errorf("merkle: cannot prove inclusion in an empty tree")
	}
	if i < 0 || i >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", i, len(t.Leaves))
	}

	proof := &Proof{
		LeafDigest: t.Leaves[i],
		LeafIndex:  i,
		Root:       t.Root,
	}

	idx := i
	// Walk every level except the root.
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sibling := idx // duplicate-self when no right partner
			if idx+1 < len(level) {
				sibling = idx + 1
			}
			step = ProofStep{Side: SideRight, Sibling: level[sibling]}
		} else {
			step = ProofStep{Side: SideLeft, Sibling: level[idx-1]}
		}
		proof.Steps = append(proof.Steps, step)
		idx /= 2
	}

	return proof, nil
}

// ProveDigest generates an inclusion proof for a member digest.
func (t *Tree) ProveDigest(digest string) (*Proof, error) {
	i, err := t.Index(digest)
	if err != nil {
		return nil, err
	}
	return t.Prove(i)
}

// Verify folds the leaf digest through the proof steps and compares the final
// value to the claimed root. It never mutates state. A nil hash selects
// SHA256Hex.
func Verify(leafDigest string, steps []ProofStep, root string, hash HashFunc) bool {
	if hash == nil {
		hash = SHA256Hex
	}

	current := leafDigest
	for _, step := range steps {
		switch step.Side {
		case SideLeft:
			current = hash([]byte(step.Sibling + current))
		case SideRight:
			current = hash([]byte(current + step.Sibling))
		default:
			return false
		}
	}
	return current == root
}
