// Package blocklist holds the set of client IPs and networks that are denied
// outright, and reloads it from a file when the file changes.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"
)

// Set is a concurrency-safe collection of blocked addresses and prefixes.
// The zero value is an empty set ready to use.
type Set struct {
	mu       sync.RWMutex
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// New returns a set holding entries. Each entry is an IP ("192.0.2.1") or
// CIDR ("10.0.0.0/8").
func New(entries ...string) (*Set, error) {
	s := &Set{}
	if err := s.Replace(entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Contains reports whether ip is blocked. Unparseable input is never blocked.
func (s *Set) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.addrs[addr]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Add blocks one more IP or CIDR.
func (s *Set) Add(entry string) error {
	addr, prefix, err := parseEntry(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix.IsValid() {
		s.prefixes = append(s.prefixes, prefix)
		return nil
	}
	if s.addrs == nil {
		s.addrs = make(map[netip.Addr]struct{})
	}
	s.addrs[addr] = struct{}{}
	return nil
}

// Replace swaps the whole set for entries. On a parse error the set is left
// unchanged.
func (s *Set) Replace(entries []string) error {
	addrs := make(map[netip.Addr]struct{}, len(entries))
	var prefixes []netip.Prefix

	for _, entry := range entries {
		addr, prefix, err := parseEntry(entry)
		if err != nil {
			return err
		}
		if prefix.IsValid() {
			prefixes = append(prefixes, prefix)
		} else {
			addrs[addr] = struct{}{}
		}
	}

	s.mu.Lock()
	s.addrs = addrs
	s.prefixes = prefixes
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs) + len(s.prefixes)
}

// LoadFile replaces the set with the entries in path.
func (s *Set) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blocklist %s: %w", path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse blocklist %s: %w", path, err)
	}
	return s.Replace(entries)
}

// Parse reads one entry per line. Blank lines and anything after '#' are
// ignored.
func Parse(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, _, err := parseEntry(text); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseEntry(entry string) (netip.Addr, netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Addr{}, netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return netip.Addr{}, prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", entry, err)
	}
	return addr.Unmap(), netip.Prefix{}, nil
}
