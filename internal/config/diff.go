package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// ToolsDiff describes how a tool catalog changed between two loads.
// Each list is sorted by tool name.
type ToolsDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing changed.
func (d ToolsDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTools compares two definition lists by name. A definition is changed
// when any field differs, including parameter order.
func DiffTools(old, new []procedure.Definition) ToolsDiff {
	var d ToolsDiff

	oldDefs := make(map[string]procedure.Definition, len(old))
	for _, def := range old {
		oldDefs[def.Name] = def
	}
	newDefs := make(map[string]procedure.Definition, len(new))
	for _, def := range new {
		newDefs[def.Name] = def
	}

	for name, o := range oldDefs {
		n, exists := newDefs[name]
		if !exists {
			d.Removed = append(d.Removed, name)
			continue
		}
		if !reflect.DeepEqual(o, n) {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range newDefs {
		if _, exists := oldDefs[name]; !exists {
			d.Added = append(d.Added, name)
		}
	}

	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	return d
}
