package opstate

import (
	"path/filepath"
	"sync"
	"testing"
)

var drivers = []string{"sqlite", "sqlite3"}

func testStore(t *testing.T, driver string) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := NewStore(driver, dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q, %q): %v", driver, dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Helper()
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) {
			fn(t, testStore(t, d))
		})
	}
}

func TestGetMissing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		val, err := s.Get(NamespaceLED, "missing")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if val != "" {
			t.Errorf("Get() = %q, want empty string for missing key", val)
		}
	})
}

func TestSetAndGet(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		if err := s.Set(NamespaceLED, "state", "on"); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		if err := s.Set(NamespaceLED, "state", "off"); err != nil {
			t.Fatalf("Set() upsert error: %v", err)
		}

		val, err := s.Get(NamespaceLED, "state")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if val != "off" {
			t.Errorf("Get() = %q, want %q", val, "off")
		}
	})
}

func TestNamespaceIsolation(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		if err := s.Set(NamespaceLED, "state", "on"); err != nil {
			t.Fatal(err)
		}
		val, err := s.Get(NamespaceDevice, "state")
		if err != nil {
			t.Fatal(err)
		}
		if val != "" {
			t.Errorf("Get() across namespaces = %q, want empty", val)
		}
	})
}

func TestIncr(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		for want := int64(1); want <= 3; want++ {
			got, err := s.Incr(NamespaceDevice, "boot_count")
			if err != nil {
				t.Fatalf("Incr() error: %v", err)
			}
			if got != want {
				t.Errorf("Incr() = %d, want %d", got, want)
			}
		}

		val, _ := s.Get(NamespaceDevice, "boot_count")
		if val != "3" {
			t.Errorf("stored value = %q, want 3", val)
		}
	})
}

func TestIncr_Concurrent(t *testing.T) {
	s := testStore(t, "sqlite")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Incr(NamespaceDevice, "n"); err != nil {
				t.Errorf("Incr() error: %v", err)
			}
		}()
	}
	wg.Wait()

	val, _ := s.Get(NamespaceDevice, "n")
	if val != "20" {
		t.Errorf("after 20 concurrent Incr, value = %q", val)
	}
}

func TestIncr_NotACounter(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store) {
		for _, v := range []string{"many", "12abc", "-3", ""} {
			if err := s.Set(NamespaceDevice, "n", v); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Incr(NamespaceDevice, "n"); err == nil {
				t.Errorf("Incr() on %q = nil error", v)
			}
			if got, _ := s.Get(NamespaceDevice, "n"); got != v {
				t.Errorf("Incr() changed %q to %q", v, got)
			}
		}
	})
}

func TestNewStore_UnknownDriver(t *testing.T) {
	if _, err := NewStore("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("NewStore(postgres) = nil error")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(NamespaceLED, "state", "on"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if val, _ := s.Get(NamespaceLED, "state"); val != "on" {
		t.Errorf("after reopen Get() = %q, want on", val)
	}
}
