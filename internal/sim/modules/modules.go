// Package modules holds the feature modules a plot can toggle. The plot model
// only depends on each module's globally configured default status.
package modules

import (
	"sort"
	"strings"
)

const (
	AutoHarvest   = "autoharvest"
	AutoSeller    = "autoseller"
	SpawnerKiller = "spawnerkiller"
)

type Module interface {
	Name() string
	DefaultStatus() bool
}

// Feature is the stock module implementation: a name, whether the module is
// loaded at all, and the status a plot gets until its owner toggles it.
type Feature struct {
	name    string
	enabled bool
	def     bool
}

func NewFeature(name string, enabled, defaultStatus bool) *Feature {
	return &Feature{name: normalize(name), enabled: enabled, def: defaultStatus}
}

func (f *Feature) Name() string        { return f.name }
func (f *Feature) Enabled() bool       { return f.enabled }
func (f *Feature) DefaultStatus() bool { return f.def }

// Set is the module lookup used by attribute resolution. Once plots use it,
// it belongs to the world loop like they do; a config reload swaps its
// contents there with Replace.
type Set struct {
	modules map[string]Module
}

func NewSet(mods ...Module) *Set {
	s := &Set{modules: map[string]Module{}}
	for _, m := range mods {
		s.Register(m)
	}
	return s
}

// Stock returns the three built-in modules, all defaulting to off.
func Stock() *Set {
	return NewSet(
		NewFeature(AutoHarvest, true, false),
		NewFeature(AutoSeller, true, false),
		NewFeature(SpawnerKiller, true, false),
	)
}

func (s *Set) Register(m Module) {
	if m == nil {
		return
	}
	s.modules[normalize(m.Name())] = m
}

// Replace takes over the modules of other. Modules missing from other are
// dropped and resolve to off from then on.
func (s *Set) Replace(other *Set) {
	s.modules = map[string]Module{}
	if other == nil {
		return
	}
	for n, m := range other.modules {
		s.modules[n] = m
	}
}

func (s *Set) Lookup(name string) (Module, bool) {
	if s == nil {
		return nil, false
	}
	m, ok := s.modules[normalize(name)]
	return m, ok
}

// DefaultStatus reports the module default; unknown modules are off.
func (s *Set) DefaultStatus(name string) bool {
	m, ok := s.Lookup(name)
	if !ok {
		return false
	}
	return m.DefaultStatus()
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.modules))
	for n := range s.modules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
