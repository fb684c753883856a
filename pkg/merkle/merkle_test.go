package merkle

import (
	"testing"
)

func digestsOf(ss ...string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = SHA256Hex([]byte(s))
	}
	return out
}

func TestBuildEmpty(t *testing.T) {
	tree := Build(nil, nil)

	if tree.Root != SHA256Hex(nil) {
		t.Errorf("empty tree root should be hash of empty string, got %s", tree.Root)
	}
	if tree.Size() != 0 {
		t.Errorf("expected 0 leaves, got %d", tree.Size())
	}
}

func TestBuildSingleLeaf(t *testing.T) {
	leaf := SHA256Hex([]byte("only"))
	tree := Build([]string{leaf}, nil)

	if tree.Root != leaf {
		t.Errorf("single-leaf root should equal the leaf, got %s", tree.Root)
	}
}

// With 3 leaves the builder duplicates the last one at the first level:
//
//	      Root
//	     /    \
//	    N1     N2
//	   /  \   /  \
//	  L1  L2 L3  L3 (dup)
func TestBuildOddLeafCount(t *testing.T) {
	tree := Build(digestsOf("d1", "d2", "d3"), nil)

	l1, l2, l3 := tree.Leaves[0], tree.Leaves[1], tree.Leaves[2]
	n1 := SHA256Hex([]byte(l1 + l2))
	n2 := SHA256Hex([]byte(l3 + l3))
	want := SHA256Hex([]byte(n1 + n2))

	if tree.Root != want {
		t.Errorf("root mismatch: got %s, want %s", tree.Root, want)
	}
	if len(tree.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(tree.Levels))
	}
}

func TestBuildInputOrderIndependent(t *testing.T) {
	a := Build(digestsOf("d1", "d2", "d3"), nil)
	b := Build(digestsOf("d3", "d1", "d2"), nil)

	if a.Root != b.Root {
		t.Errorf("roots differ across input orderings: %s vs %s", a.Root, b.Root)
	}
}

func TestProofRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 33} {
		leaves := make([]string, n)
		for i := range leaves {
			leaves[i] = SHA256Hex([]byte{byte(i), byte(n)})
		}
		tree := Build(leaves, nil)

		for i := 0; i < tree.Size(); i++ {
			proof, err := tree.Prove(i)
			if err != nil {
				t.Fatalf("n=%d: Prove(%d) failed: %v", n, i, err)
			}
			if !Verify(proof.LeafDigest, proof.Steps, tree.Root, nil) {
				t.Errorf("n=%d: proof for leaf %d did not verify", n, i)
			}
		}
	}
}

func TestProveDigest(t *testing.T) {
	tree := Build(digestsOf("d1", "d2", "d3", "d4"), nil)

	target := tree.Leaves[2]
	proof, err := tree.ProveDigest(target)
	if err != nil {
		t.Fatalf("ProveDigest failed: %v", err)
	}
	if !Verify(target, proof.Steps, tree.Root, nil) {
		t.Error("proof did not verify")
	}

	if _, err := tree.ProveDigest("not-a-member"); err == nil {
		t.Error("expected error for non-member digest")
	}
}

func TestTamperDetection(t *testing.T) {
	original := digestsOf("d1", "d2", "d3", "d4")
	tree := Build(original, nil)

	proof, err := tree.Prove(1)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	// Mutate one leaf and rebuild: the root must change.
	tampered := append([]string{}, original...)
	tampered[1] = SHA256Hex([]byte("mutated"))
	newTree := Build(tampered, nil)
	if newTree.Root == tree.Root {
		t.Fatal("mutating a leaf did not change the root")
	}

	// A stale proof must fail against the new root.
	if Verify(proof.LeafDigest, proof.Steps, newTree.Root, nil) {
		t.Error("stale proof verified against recomputed root")
	}

	// And a proof with a flipped step side must fail against the old root.
	flipped := make([]ProofStep, len(proof.Steps))
	copy(flipped, proof.Steps)
	if flipped[0].Side == SideLeft {
		flipped[0].Side = SideRight
	} else {
		flipped[0].Side = SideLeft
	}
	if Verify(proof.LeafDigest, flipped, tree.Root, nil) {
		t.Error("proof with flipped sibling side verified")
	}
}

func TestProveEmptyTree(t *testing.T) {
	tree := Build(nil, nil)
	if _, err := tree.Prove(0); err == nil {
		t.Error("expected error proving inclusion in empty tree")
	}
}

func TestVerifyRejectsUnknownSide(t *testing.T) {
	if Verify("leaf", []ProofStep{{Side: "X", Sibling: "s"}}, "root", nil) {
		t.Error("verification accepted an unknown side tag")
	}
}
