// ABOUTME: Authoritative in-memory settings store keyed by tab name
// ABOUTME: Owns mutation, ensure/create semantics, snapshot replacement and tab ordering

package settings

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ErrTabExists is returned by CreateTab when the tab is already present.
var ErrTabExists = errors.New("tab already exists")

// Store is the authoritative mapping of tab name to Tab. It is safe for
// concurrent use; every method returns copies, never live maps.
type Store struct {
	mu       sync.RWMutex
	tabs     map[string]*Tab
	order    []string
	validate bool
}

// Option configures a Store.
type Option func(*Store)

// WithValidation makes SetParameter and CreateParameter reject values that do
// not satisfy the parameter's descriptor.
func WithValidation(enabled bool) Option {
	return func(s *Store) { s.validate = enabled }
}

// WithTabs seeds the store. order fixes the initial display order; tabs not
// named in order are appended by name.
func WithTabs(order []string, tabs map[string]Tab) Option {
	return func(s *Store) {
		s.replaceLocked(order, tabs)
	}
}

// New creates a Store. Without WithTabs the store starts empty.
func New(opts ...Option) *Store {
	s := &Store{tabs: make(map[string]*Tab)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDefault creates a Store seeded with the built-in tabs.
func NewDefault(opts ...Option) *Store {
	order, tabs := DefaultTabs()
	return New(append([]Option{WithTabs(order, tabs)}, opts...)...)
}

// Names returns tab names in display order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Tab returns a copy of the named tab.
func (s *Store) Tab(name string) (Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[name]
	if !ok {
		return Tab{}, false
	}
	return t.Clone(), true
}

// All returns a copy of every tab.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Tabs: make(map[string]Tab, len(s.tabs))}
	for name, t := range s.tabs {
		snap.Tabs[name] = t.Clone()
	}
	return snap
}

// Len returns the number of tabs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// EnsureTab creates the tab with empty conventional categories if absent and
// returns a copy of it.
func (s *Store) EnsureTab(name string) Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(name).Clone()
}

// CreateTab adds a new tab. It fails with ErrTabExists if the name is taken
// and leaves the existing tab untouched.
func (s *Store) CreateTab(name string) (Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[name]; ok {
		return Tab{}, fmt.Errorf("%w: %q", ErrTabExists, name)
	}
	return s.ensureLocked(name).Clone(), nil
}

// SetParameter overwrites the value at tab/category/key, creating the tab and
// category as needed, and returns the stored value.
func (s *Store) SetParameter(tab, category, key string, v Value) (Value, error) {
	if !v.IsValid() {
		return Value{}, fmt.Errorf("%w: missing value", ErrInvalidValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validate {
		if t, ok := s.tabs[tab]; ok {
			if d, ok := t.Descriptor(category, key); ok {
				if err := d.Check(v); err != nil {
					return Value{}, fmt.Errorf("%s.%s: %w", category, key, err)
				}
			}
		}
	}

	t := s.ensureLocked(tab)
	t.ensureCategory(category)
	t.Settings[category][key] = v
	return v, nil
}

// CreateParameter sets both the initial value and the descriptor for
// tab/category/key. Re-issuing it overwrites both. A missing initial value is
// replaced by the descriptor's default.
func (s *Store) CreateParameter(tab, category, key string, initial Value, d Descriptor) (Value, error) {
	if err := d.Validate(); err != nil {
		return Value{}, err
	}
	if !initial.IsValid() {
		initial = d.DefaultValue()
	}
	if s.validate {
		if err := d.Check(initial); err != nil {
			return Value{}, fmt.Errorf("%s.%s: %w", category, key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensureLocked(tab)
	t.ensureCategory(category)
	t.Settings[category][key] = initial
	t.SettingMeta[category][key] = d.Normalize().clone()
	return initial, nil
}

// Parameter returns the cached value at tab/category/key.
func (s *Store) Parameter(tab, category, key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[tab]
	if !ok {
		return Value{}, false
	}
	return t.Value(category, key)
}

// LoadSnapshot replaces the entire store contents. Tabs absent from snap are
// removed. Tabs that survive keep their display position; new tabs are
// appended by name.
func (s *Store) LoadSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(snap.Tabs))
	for _, name := range s.order {
		if _, ok := snap.Tabs[name]; ok {
			order = append(order, name)
		}
	}
	s.replaceLocked(order, snap.Tabs)
}

func (s *Store) replaceLocked(order []string, tabs map[string]Tab) {
	s.tabs = make(map[string]*Tab, len(tabs))
	s.order = nil

	seen := make(map[string]bool, len(tabs))
	for _, name := range order {
		t, ok := tabs[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		s.putLocked(name, t)
	}

	var rest []string
	for name := range tabs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		s.putLocked(name, tabs[name])
	}
}

func (s *Store) putLocked(name string, t Tab) {
	c := t.Clone()
	for _, cat := range ConventionalCategories {
		c.ensureCategory(cat)
	}
	s.tabs[name] = &c
	s.order = append(s.order, name)
}

func (s *Store) ensureLocked(name string) *Tab {
	if t, ok := s.tabs[name]; ok {
		return t
	}
	t := NewTab()
	s.tabs[name] = &t
	s.order = append(s.order, name)
	return &t
}
