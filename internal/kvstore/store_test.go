// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package kvstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.Update(func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("doc:a"), &doc{Name: "a", Count: 2}, 0)
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	var got doc
	if err := s.View(func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("doc:a"), &got)
	}); err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if got.Name != "a" || got.Count != 2 {
		t.Errorf("got %+v", got)
	}

	err = s.View(func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("doc:missing"), &got)
	})
	if !errors.Is(err, badger.ErrKeyNotFound) {
		t.Errorf("missing key error = %v, want ErrKeyNotFound", err)
	}
}

func TestScanPrefix(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_ = s.Update(func(txn *badger.Txn) error {
		for _, k := range []string{"run:b", "run:a", "other:c"} {
			if err := SetJSON(txn, []byte(k), &doc{Name: k}, 0); err != nil {
				return err
			}
		}
		return nil
	})

	var names []string
	err := s.View(func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("run:"), func(_, val []byte) error {
			names = append(names, string(val))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("ScanPrefix() error = %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("scanned %d entries, want 2", len(names))
	}
}

func TestUpdateRetriesConflicts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	key := []byte("counter")
	_ = s.Update(func(txn *badger.Txn) error {
		return SetJSON(txn, key, &doc{}, 0)
	})

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(func(txn *badger.Txn) error {
				var d doc
				if err := GetJSON(txn, key, &d); err != nil {
					return err
				}
				d.Count++
				return SetJSON(txn, key, &d, 0)
			})
		}()
	}
	wg.Wait()

	var d doc
	_ = s.View(func(txn *badger.Txn) error { return GetJSON(txn, key, &d) })
	if d.Count < 1 || d.Count > workers {
		t.Errorf("Count = %d, want between 1 and %d", d.Count, workers)
	}
}

func TestSetJSONWithTTL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.Update(func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("ttl"), &doc{Name: "x"}, time.Hour)
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	_ = s.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("ttl"))
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if item.ExpiresAt() == 0 {
			t.Error("ExpiresAt() = 0, want a TTL")
		}
		return nil
	})
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if err := s.View(func(*badger.Txn) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("View() on closed store = %v, want ErrClosed", err)
	}
	if err := s.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC() on closed store = %v, want ErrClosed", err)
	}
}

func TestRunGCInMemory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.RunGC(); err != nil {
		t.Errorf("RunGC() in memory = %v, want nil", err)
	}
}
