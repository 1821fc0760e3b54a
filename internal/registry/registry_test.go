package registry

import (
	"bytes"
	"os"
	"testing"
	"time"

	"shuffler/internal/codec"
	"shuffler/internal/store"
	"shuffler/internal/wire"
)

func newTestShuffle(t *testing.T, id wire.ShuffleID) *Shuffle {
	t.Helper()
	desc := codec.Descriptor{
		Row:  codec.RowType{{Name: "a", Kind: codec.KindInt32}},
		Keys: []codec.KeyField{{Name: "a", Dir: codec.Ascending}},
	}
	c, err := codec.New(desc)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	dir, err := os.MkdirTemp("", "registry-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	st, err := store.Open(dir, c.Compare)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return &Shuffle{ID: id, Codec: c, Store: st, CreatedAt: time.Now()}
}

func TestInsertGetRemove(t *testing.T) {
	r := New()
	var id wire.ShuffleID
	id[0] = 1
	s := newTestShuffle(t, id)

	t.Run("GetBeforeInsertIsAbsent", func(t *testing.T) {
		if _, ok := r.Get(id); ok {
			t.Fatal("expected absent before insert")
		}
	})

	t.Run("InsertThenGet", func(t *testing.T) {
		r.Insert(s)
		got, ok := r.Get(id)
		if !ok || got != s {
			t.Fatalf("expected to find inserted shuffle, got %v, %v", got, ok)
		}
	})

	t.Run("RemoveDeregisters", func(t *testing.T) {
		dir := s.Store
		_ = dir
		if ok := r.Remove(id); !ok {
			t.Fatal("expected remove to find the shuffle")
		}
		if _, ok := r.Get(id); ok {
			t.Fatal("expected absent after remove")
		}
	})

	t.Run("IdempotentSecondRemove", func(t *testing.T) {
		if ok := r.Remove(id); ok {
			t.Fatal("expected second remove to report not-found")
		}
	})
}

func TestIDsIsSortedAndStable(t *testing.T) {
	r := New()
	var idA, idB, idC wire.ShuffleID
	idA[0], idB[0], idC[0] = 3, 1, 2
	r.Insert(newTestShuffle(t, idA))
	r.Insert(newTestShuffle(t, idB))
	r.Insert(newTestShuffle(t, idC))
	defer func() {
		r.Remove(idA)
		r.Remove(idB)
		r.Remove(idC)
	}()

	first := r.IDs()
	second := r.IDs()
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("got %d and %d ids, want 3 and 3", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("IDs() not stable across calls: %v vs %v", first, second)
		}
	}
	for i := 1; i < len(first); i++ {
		if bytes.Compare(first[i-1][:], first[i][:]) > 0 {
			t.Fatalf("IDs() not sorted: %v", first)
		}
	}
}

func TestRegistryIsolatesDifferentShuffles(t *testing.T) {
	r := New()
	var idA, idB wire.ShuffleID
	idA[0], idB[0] = 1, 2
	a := newTestShuffle(t, idA)
	b := newTestShuffle(t, idB)
	r.Insert(a)
	r.Insert(b)

	if err := a.Store.Put([]byte("ka"), []byte("ra")); err != nil {
		t.Fatal(err)
	}
	if err := b.Store.Put([]byte("kb"), []byte("rb")); err != nil {
		t.Fatal(err)
	}

	it, err := a.Store.Range(nil, true, nil, true)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	defer it.Close()
	_, row, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("expected one row in a, err=%v ok=%v", err, ok)
	}
	if !bytes.Equal(row, []byte("ra")) {
		t.Fatalf("shuffle a observed %q, want ra (cross-shuffle leak)", row)
	}

	r.Remove(idA)
	r.Remove(idB)
}
