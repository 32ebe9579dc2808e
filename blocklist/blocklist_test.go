package blocklist

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestSet_Contains(t *testing.T) {
	s, err := New("192.0.2.1", "10.0.0.0/8", "2001:db8::/32")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.1", true},
		{"192.0.2.2", false},
		{"10.20.30.40", true},
		{"::ffff:10.1.1.1", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := s.Contains(tt.ip); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestSet_ZeroValueAndAdd(t *testing.T) {
	var s Set
	if s.Contains("198.51.100.1") {
		t.Error("zero Set should contain nothing")
	}

	for _, entry := range []string{"198.51.100.1", "172.16.0.0/12"} {
		if err := s.Add(entry); err != nil {
			t.Fatalf("Add(%q) failed: %v", entry, err)
		}
	}
	if !s.Contains("198.51.100.1") || !s.Contains("172.16.5.5") {
		t.Error("added address and prefix should match")
	}
	if err := s.Add("300.1.1.1"); err == nil {
		t.Error("Add(300.1.1.1) should fail")
	}
}

func TestSet_ReplaceKeepsOldOnError(t *testing.T) {
	s, err := New("192.0.2.1")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.Replace([]string{"198.51.100.1", "bogus/99"}); err == nil {
		t.Fatal("Replace() with a bad entry should fail")
	}
	if !s.Contains("192.0.2.1") || s.Contains("198.51.100.1") {
		t.Error("a failed Replace must leave the old set in place")
	}
}

func TestParse(t *testing.T) {
	input := `
# scanners
192.0.2.1
10.0.0.0/8   # internal abuse

`
	entries, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if want := []string{"192.0.2.1", "10.0.0.0/8"}; !reflect.DeepEqual(entries, want) {
		t.Errorf("Parse() = %v, want %v", entries, want)
	}

	_, err = Parse(strings.NewReader("192.0.2.1\nnope\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want it to name line 2", err)
	}
}

func TestSet_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.txt")
	if err := os.WriteFile(path, []byte("192.0.2.1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var s Set
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if !s.Contains("192.0.2.1") {
		t.Error("loaded address should match")
	}

	if err := s.LoadFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("LoadFile() of a missing file should fail")
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	if err := os.WriteFile(path, []byte("192.0.2.1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	s := &Set{}
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	w := NewWatcher(s, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("198.51.100.7\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !(s.Contains("198.51.100.7") && !s.Contains("192.0.2.1")) {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload the file")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A broken file leaves the last good set in place.
	if err := os.WriteFile(path, []byte("garbage\n"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if !s.Contains("198.51.100.7") {
		t.Error("a broken file must not replace the set")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(&Set{}, filepath.Join(t.TempDir(), "nope", "blocked.txt"), nil)
	if err := w.Watch(context.Background()); err == nil {
		t.Error("Watch() on a missing directory should fail")
	}
}
