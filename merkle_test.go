package corelog

import (
	"errors"
	"fmt"
	"testing"
)

func appendEntries(m *merkle, entries ...string) [][]Node {
	var created [][]Node
	for _, e := range entries {
		created = append(created, m.next(hashLeaf([]byte(e)), uint64(len(e))))
	}
	return created
}

func rootIndexes(m merkle) []uint64 {
	var out []uint64
	for _, r := range m.roots {
		out = append(out, r.Index)
	}
	return out
}

func TestMerkleRootCollapse(t *testing.T) {
	cases := []struct {
		entries int
		roots   []uint64
	}{
		{1, []uint64{0}},
		{2, []uint64{1}},
		{3, []uint64{1, 4}},
		{4, []uint64{3}},
		{5, []uint64{3, 8}},
		{7, []uint64{3, 9, 12}},
		{8, []uint64{7}},
	}
	for _, c := range cases {
		var m merkle
		for i := 0; i < c.entries; i++ {
			m.next(hashLeaf([]byte{byte(i)}), 1)
		}
		if m.blocks != uint64(c.entries) {
			t.Errorf("%d entries: blocks = %d", c.entries, m.blocks)
		}
		got := rootIndexes(m)
		want := fullRoots(2 * uint64(c.entries))
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%d entries: roots %v, want %v", c.entries, got, want)
		}
	}
}

func TestMerkleCreatedNodes(t *testing.T) {
	var m merkle
	created := appendEntries(&m, "a", "b", "c", "d")

	wants := [][]uint64{
		{0},
		{2, 1},
		{4},
		{6, 5, 3},
	}
	for i, want := range wants {
		if len(created[i]) != len(want) {
			t.Fatalf("append %d created %d nodes, want %d", i, len(created[i]), len(want))
		}
		for j, idx := range want {
			if created[i][j].Index != idx {
				t.Errorf("append %d node %d has index %d, want %d",
					i, j, created[i][j].Index, idx)
			}
		}
	}

	// Length of a parent is the sum of its children's lengths.
	if created[3][2].Length != 4 {
		t.Errorf("root node spans %d bytes, want 4", created[3][2].Length)
	}
}

func TestMerkleRecovery(t *testing.T) {
	var m merkle
	appendEntries(&m, "one", "two", "three", "four", "five")

	recovered := newMerkle(m.clone().roots)
	if recovered.blocks != m.blocks {
		t.Fatalf("recovered %d blocks, want %d", recovered.blocks, m.blocks)
	}
	if recovered.rootHash() != m.rootHash() {
		t.Error("recovered root hash differs")
	}

	// Continuing after recovery matches an uninterrupted stream.
	m.next(hashLeaf([]byte("six")), 3)
	recovered.next(hashLeaf([]byte("six")), 3)
	if recovered.rootHash() != m.rootHash() {
		t.Error("root hash diverged after recovery")
	}
}

func TestMerkleCloneIsIndependent(t *testing.T) {
	var m merkle
	appendEntries(&m, "a", "b", "c")
	before := m.rootHash()

	trial := m.clone()
	trial.next(hashLeaf([]byte("d")), 1)
	if m.rootHash() != before {
		t.Error("appending to a clone mutated the original")
	}
	if trial.rootHash() == before {
		t.Error("clone append did not change its root hash")
	}
}

func TestNodeCodec(t *testing.T) {
	n := Node{Index: 42, Length: 1 << 40, Hash: hashLeaf([]byte("x"))}
	got, err := decodeNode(n.encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != n {
		t.Errorf("decoded %+v, want %+v", got, n)
	}
	if _, err := decodeNode(n.encode()[:NodeSize-1]); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("short node record: err = %v", err)
	}
}
