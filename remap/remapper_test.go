package remap

import (
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"agroops/config"
	"agroops/store"
)

var _ KV = (*store.DB)(nil)
var _ KV = (*RedisKV)(nil)

func asMap(r *Remapper) map[int64]int {
	out := make(map[int64]int)
	for _, m := range r.Mappings() {
		out[m.GlobalID] = m.LocalID
	}
	return out
}

func assertContiguous(t *testing.T, r *Remapper) {
	t.Helper()
	list := r.Mappings()
	locals := make([]int, 0, len(list))
	for _, m := range list {
		locals = append(locals, m.LocalID)
	}
	sort.Ints(locals)
	for i, l := range locals {
		if l != i+1 {
			t.Fatalf("local ids not contiguous: %v", locals)
		}
	}
}

func TestSyncAndRemoveScenario(t *testing.T) {
	r := New(NewMemoryKV(), "fields", nil)

	r.Sync([]int64{12, 5, 9})
	if diff := cmp.Diff(map[int64]int{5: 1, 9: 2, 12: 3}, asMap(r)); diff != "" {
		t.Errorf("after sync (-want +got):\n%s", diff)
	}

	r.Remove(9)
	if diff := cmp.Diff(map[int64]int{5: 1, 12: 2}, asMap(r)); diff != "" {
		t.Errorf("after remove (-want +got):\n%s", diff)
	}
}

func TestSyncIdempotent(t *testing.T) {
	kv := NewMemoryKV()
	r := New(kv, "fields", nil)
	set := []int64{40, 3, 17, 8}

	r.Sync(set)
	once, _, _ := kv.Get(KeyFor("fields"))
	r.Sync(set)
	twice, _, _ := kv.Get(KeyFor("fields"))

	if once != twice {
		t.Errorf("second sync changed stored mapping:\n%s\n%s", once, twice)
	}
}

func TestSyncDropsAndAddsThenRenumbers(t *testing.T) {
	r := New(NewMemoryKV(), "fields", nil)
	r.Sync([]int64{5, 9, 12})
	r.Sync([]int64{12, 30, 1})

	want := map[int64]int{1: 1, 12: 2, 30: 3}
	if diff := cmp.Diff(want, asMap(r)); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}
}

func TestAddAppendsWithoutDisturbing(t *testing.T) {
	r := New(NewMemoryKV(), "fields", nil)
	r.Sync([]int64{5, 9, 12})

	if got := r.Add(3); got != 4 {
		t.Errorf("Add(3) = %d, want 4", got)
	}
	want := map[int64]int{5: 1, 9: 2, 12: 3, 3: 4}
	if diff := cmp.Diff(want, asMap(r)); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}

	// existing id is not duplicated
	if got := r.Add(9); got != 2 {
		t.Errorf("Add(9) = %d, want 2", got)
	}
	if n := len(r.Mappings()); n != 4 {
		t.Errorf("len = %d, want 4", n)
	}
}

func TestLookupsAndDisplay(t *testing.T) {
	r := New(NewMemoryKV(), "fields", nil)
	r.Sync([]int64{100, 250})

	if l, ok := r.LocalID(250); !ok || l != 2 {
		t.Errorf("LocalID(250) = %d,%v want 2,true", l, ok)
	}
	if _, ok := r.LocalID(7); ok {
		t.Error("LocalID(7) should be absent")
	}
	if g, ok := r.GlobalID(1); !ok || g != 100 {
		t.Errorf("GlobalID(1) = %d,%v want 100,true", g, ok)
	}
	if _, ok := r.GlobalID(3); ok {
		t.Error("GlobalID(3) should be absent")
	}
	if got := r.DisplayID(250); got != "#2" {
		t.Errorf("DisplayID(250) = %q, want #2", got)
	}
	if got := r.DisplayID(777); got != "#777" {
		t.Errorf("DisplayID(777) = %q, want #777", got)
	}
}

func TestContiguityUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New(NewMemoryKV(), "fields", nil)

	for i := 0; i < 300; i++ {
		switch rng.Intn(3) {
		case 0:
			n := rng.Intn(8)
			set := make([]int64, n)
			for j := range set {
				set[j] = int64(rng.Intn(50))
			}
			r.Sync(set)
		case 1:
			r.Add(int64(rng.Intn(50)))
		case 2:
			r.Remove(int64(rng.Intn(50)))
		}
		assertContiguous(t, r)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	kv := NewMemoryKV()
	fields := New(kv, "fields", nil)
	orders := New(kv, "orders", nil)

	fields.Sync([]int64{1, 2})
	orders.Sync([]int64{9})

	if n := len(fields.Mappings()); n != 2 {
		t.Errorf("fields len = %d, want 2", n)
	}
	if l, _ := orders.LocalID(9); l != 1 {
		t.Errorf("orders LocalID(9) = %d, want 1", l)
	}
}

func TestUnavailableStorageNeverFails(t *testing.T) {
	r := New(Disabled{}, "fields", nil)

	r.Sync([]int64{1, 2, 3})
	if _, ok := r.LocalID(1); ok {
		t.Error("reads should be absent when storage is unavailable")
	}
	if got := r.Add(10); got != 1 {
		t.Errorf("Add = %d, want 1", got)
	}
	r.Remove(10)
	if got := r.DisplayID(10); got != "#10" {
		t.Errorf("DisplayID = %q, want #10", got)
	}
	if n := len(r.Mappings()); n != 0 {
		t.Errorf("Mappings len = %d, want 0", n)
	}
}

func TestMalformedStorageTreatedAsEmpty(t *testing.T) {
	kv := NewMemoryKV()
	kv.Set(KeyFor("fields"), "{not json")
	r := New(kv, "fields", nil)

	if n := len(r.Mappings()); n != 0 {
		t.Errorf("Mappings len = %d, want 0", n)
	}
	r.Sync([]int64{4})
	if l, ok := r.LocalID(4); !ok || l != 1 {
		t.Errorf("LocalID(4) = %d,%v want 1,true", l, ok)
	}
}

type flakyKV struct {
	MemoryKV
	failSet bool
}

func (f *flakyKV) Set(key, value string) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.MemoryKV.Set(key, value)
}

func TestWriteFailureKeepsPreviousMapping(t *testing.T) {
	kv := &flakyKV{}
	r := New(kv, "fields", nil)
	r.Sync([]int64{5, 9})

	kv.failSet = true
	r.Remove(5)

	if diff := cmp.Diff(map[int64]int{5: 1, 9: 2}, asMap(r)); diff != "" {
		t.Errorf("mapping changed despite failed write (-want +got):\n%s", diff)
	}
}

func TestSQLStoreBackend(t *testing.T) {
	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "map.db")},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	r := New(db, "fields", nil)
	r.Sync([]int64{5, 9, 12})
	r.Remove(9)

	reopened := New(db, "fields", nil)
	if diff := cmp.Diff(map[int64]int{5: 1, 12: 2}, asMap(reopened)); diff != "" {
		t.Errorf("persisted mapping (-want +got):\n%s", diff)
	}
}
