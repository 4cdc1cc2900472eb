// Package profile stores per-host extraction profiles: which selectors
// locate content on a page and how a position's image yield is judged.
package profile

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lucasveiga/grimoire/internal/render"
)

// Profile describes how to read pages served by one host.
type Profile struct {
	Wrapper    string `json:"wrapper"`
	Image      string `json:"image"`
	Next       string `json:"next"`
	MinDimPx   int    `json:"min_dim_px,omitempty"`
	PartialMin int    `json:"partial_min,omitempty"`
	OKMin      int    `json:"ok_min,omitempty"`
}

// Default is the profile applied to hosts without an explicit entry.
var Default = Profile{
	Wrapper:    ".page-break, .reading-content .page, .chapter-content p, article img",
	Image:      ".reading-content img, .chapter-content img, article img",
	Next:       "a[rel=next], .next_page, .nav-next a, a.next",
	MinDimPx:   200,
	PartialMin: 1,
	OKMin:      3,
}

// Selectors converts a profile to the renderer's selector set.
func (p Profile) Selectors() render.Selectors {
	return render.Selectors{Wrapper: p.Wrapper, Image: p.Image, Next: p.Next}
}

// Thresholds returns the classification bounds, falling back to the
// defaults for unset values.
func (p Profile) Thresholds() (partialMin, okMin int) {
	partialMin, okMin = p.PartialMin, p.OKMin
	if partialMin <= 0 {
		partialMin = Default.PartialMin
	}
	if okMin <= 0 {
		okMin = Default.OKMin
	}
	if partialMin > okMin {
		partialMin = okMin
	}
	return partialMin, okMin
}

// Store holds host-keyed profiles in one JSON document.
type Store struct {
	path string

	mu       sync.Mutex
	profiles map[string]Profile
}

// NewStore loads the profile document at path, starting empty when the
// file does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, profiles: make(map[string]Profile)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if err := json.Unmarshal(data, &s.profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return s, nil
}

// ForURL resolves the profile for a page URL by host, falling back to the
// default profile.
func (s *Store) ForURL(raw string) Profile {
	u, err := url.Parse(raw)
	if err != nil {
		return Default
	}
	host := strings.ToLower(u.Hostname())

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[host]; ok {
		return p
	}
	return Default
}

// Set stores a host profile and persists the document atomically.
func (s *Store) Set(host string, p Profile) error {
	host = strings.ToLower(host)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[host] = p

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize profiles: %w", err)
	}
	return nil
}
