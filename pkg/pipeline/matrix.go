package pipeline

import (
	"strings"
)

// Matrix is a job's strategy matrix.
type Matrix struct {
	// Axes in declaration order
	Axes []MatrixAxis `json:"axes,omitempty"`

	// Include adds combinations or extra variables to matching combinations
	Include []MatrixValues `json:"include,omitempty"`

	// Exclude removes combinations matching every listed value
	Exclude []MatrixValues `json:"exclude,omitempty"`
}

// MatrixAxis is one named dimension of a matrix.
type MatrixAxis struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// MatrixValue binds one axis name to a value.
type MatrixValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MatrixValues is an ordered axis-value tuple.
type MatrixValues []MatrixValue

// IsEmpty reports whether the job has no matrix at all.
func (m *Matrix) IsEmpty() bool {
	return len(m.Axes) == 0 && len(m.Include) == 0
}

// Get returns the value bound to name.
func (v MatrixValues) Get(name string) (string, bool) {
	for _, mv := range v {
		if mv.Name == name {
			return mv.Value, true
		}
	}
	return "", false
}

// Map returns the tuple as a name to value map.
func (v MatrixValues) Map() map[string]string {
	m := make(map[string]string, len(v))
	for _, mv := range v {
		m[mv.Name] = mv.Value
	}
	return m
}

// String renders the values in order, e.g. "3.7, 1.6.0".
func (v MatrixValues) String() string {
	parts := make([]string, len(v))
	for i, mv := range v {
		parts[i] = mv.Value
	}
	return strings.Join(parts, ", ")
}

// matches reports whether every entry in sub is bound to the same value in v.
func (v MatrixValues) matches(sub MatrixValues) bool {
	for _, want := range sub {
		got, ok := v.Get(want.Name)
		if !ok || got != want.Value {
			return false
		}
	}
	return true
}

func (v MatrixValues) clone() MatrixValues {
	return append(MatrixValues(nil), v...)
}

// Expand returns the matrix combinations in deterministic order: the
// cartesian product over axes in declaration order, values in order, with
// exclusions removed and inclusions applied. A job without a matrix expands
// to a single empty combination.
func (m *Matrix) Expand() []MatrixValues {
	if m.IsEmpty() {
		return []MatrixValues{nil}
	}

	var combos []MatrixValues
	if len(m.Axes) > 0 {
		combos = []MatrixValues{nil}
		for _, axis := range m.Axes {
			next := make([]MatrixValues, 0, len(combos)*len(axis.Values))
			for _, combo := range combos {
				for _, value := range axis.Values {
					c := combo.clone()
					next = append(next, append(c, MatrixValue{Name: axis.Name, Value: value}))
				}
			}
			combos = next
		}
	}

	if len(m.Exclude) > 0 {
		kept := combos[:0]
		for _, combo := range combos {
			excluded := false
			for _, ex := range m.Exclude {
				if combo.matches(ex) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, combo)
			}
		}
		combos = kept
	}

	axisNames := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		axisNames[axis.Name] = true
	}
	baseCount := len(combos)

	for _, inc := range m.Include {
		var axisPart, extra MatrixValues
		for _, v := range inc {
			if axisNames[v.Name] {
				axisPart = append(axisPart, v)
			} else {
				extra = append(extra, v)
			}
		}

		merged := false
		if len(extra) == 0 {
			// Nothing to add to an identical existing combination.
			for i := 0; i < baseCount; i++ {
				if len(combos[i]) == len(inc) && combos[i].matches(inc) {
					merged = true
					break
				}
			}
		} else {
			for i := 0; i < baseCount; i++ {
				if !combos[i].matches(axisPart) {
					continue
				}
				for _, e := range extra {
					if _, exists := combos[i].Get(e.Name); !exists {
						combos[i] = append(combos[i], e)
					}
				}
				merged = true
			}
		}
		if !merged {
			combos = append(combos, inc.clone())
		}
	}

	return combos
}
