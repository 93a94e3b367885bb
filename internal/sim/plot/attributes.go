package plot

import "strings"

// Defaults supplies the globally configured status of each module.
type Defaults interface {
	DefaultStatus(module string) bool
}

type Source int

const (
	SourceDefault Source = iota
	SourceOverride
)

func (s Source) String() string {
	if s == SourceOverride {
		return "override"
	}
	return "default"
}

// Resolution is the effective status of a module on one plot and whether it
// comes from the plot's own override or from the module default.
type Resolution struct {
	Status bool
	Source Source
}

func normalizeModule(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func Resolve(overrides map[string]bool, defaults Defaults, module string) Resolution {
	module = normalizeModule(module)
	if v, ok := overrides[module]; ok {
		return Resolution{Status: v, Source: SourceOverride}
	}
	return Resolution{Status: defaults.DefaultStatus(module), Source: SourceDefault}
}

// Toggle flips the effective status. An existing override is dropped (back to
// the default); otherwise the negated default is stored. The map therefore
// only ever holds values that differ from the default.
func Toggle(overrides map[string]bool, defaults Defaults, module string) Resolution {
	module = normalizeModule(module)
	def := defaults.DefaultStatus(module)
	if _, ok := overrides[module]; ok {
		delete(overrides, module)
		return Resolution{Status: def, Source: SourceDefault}
	}
	overrides[module] = !def
	return Resolution{Status: !def, Source: SourceOverride}
}

// Normalize drops overrides that equal the current default and returns the
// dropped module names.
func Normalize(overrides map[string]bool, defaults Defaults) []string {
	var dropped []string
	for module, v := range overrides {
		if v == defaults.DefaultStatus(module) {
			delete(overrides, module)
			dropped = append(dropped, module)
		}
	}
	return dropped
}
