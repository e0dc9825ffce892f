package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(g *Graph) []string {
	out := make([]string, len(g.Instances))
	for i, inst := range g.Instances {
		out[i] = inst.ID
	}
	return out
}

func TestMatrix_Expand_CartesianProduct(t *testing.T) {
	m := Matrix{Axes: []MatrixAxis{
		{Name: "python", Values: []string{"3.6", "3.7"}},
		{Name: "torch", Values: []string{"1.5.0", "1.6.0"}},
		{Name: "os", Values: []string{"linux", "mac", "win"}},
	}}

	combos := m.Expand()
	require.Len(t, combos, 2*2*3)

	seen := make(map[string]bool)
	for _, c := range combos {
		seen[c.String()] = true
	}
	assert.Len(t, seen, 12, "every tuple is unique")

	assert.Equal(t, "3.6, 1.5.0, linux", combos[0].String())
	assert.Equal(t, "3.6, 1.5.0, mac", combos[1].String())
	assert.Equal(t, "3.7, 1.6.0, win", combos[11].String())
}

func TestMatrix_Expand_NoAxes(t *testing.T) {
	var m Matrix
	combos := m.Expand()
	require.Len(t, combos, 1)
	assert.Empty(t, combos[0])
}

func TestMatrix_Expand_Exclude(t *testing.T) {
	m := Matrix{
		Axes: []MatrixAxis{
			{Name: "python", Values: []string{"3.6", "3.7"}},
			{Name: "torch", Values: []string{"1.5.0", "1.6.0"}},
		},
		Exclude: []MatrixValues{{{Name: "python", Value: "3.6"}, {Name: "torch", Value: "1.6.0"}}},
	}

	combos := m.Expand()
	require.Len(t, combos, 3)
	for _, c := range combos {
		assert.NotEqual(t, "3.6, 1.6.0", c.String())
	}
}

func TestMatrix_Expand_Include(t *testing.T) {
	m := Matrix{
		Axes: []MatrixAxis{
			{Name: "os", Values: []string{"linux", "mac"}},
		},
		Include: []MatrixValues{
			{{Name: "os", Value: "linux"}, {Name: "experimental", Value: "true"}},
			{{Name: "os", Value: "win"}},
			{{Name: "os", Value: "mac"}},
		},
	}

	combos := m.Expand()
	require.Len(t, combos, 3)

	v, ok := combos[0].Get("experimental")
	assert.True(t, ok, "extra variable merged into matching combination")
	assert.Equal(t, "true", v)

	_, ok = combos[1].Get("experimental")
	assert.False(t, ok)

	assert.Equal(t, "win", combos[2].String(), "unmatched include appended")
}

func TestMatrix_Expand_IncludeOnly(t *testing.T) {
	m := Matrix{Include: []MatrixValues{
		{{Name: "target", Value: "wasm"}},
		{{Name: "target", Value: "arm64"}},
	}}
	combos := m.Expand()
	require.Len(t, combos, 2)
	assert.Equal(t, "wasm", combos[0].String())
}

func TestBuildGraph_MatrixInstances(t *testing.T) {
	def, err := ParseDefinition([]byte(`
jobs:
  lint:
    steps: [{run: "true"}]
  test:
    needs: lint
    strategy:
      matrix:
        python: [3.6, 3.7]
        torch: [1.5.0, 1.6.0]
    steps: [{run: pytest}]
  release:
    needs: test
    steps: [{run: "true"}]
`))
	require.NoError(t, err)

	g := BuildGraph(def)
	assert.Equal(t, []string{
		"lint",
		"test (3.6, 1.5.0)",
		"test (3.6, 1.6.0)",
		"test (3.7, 1.5.0)",
		"test (3.7, 1.6.0)",
		"release",
	}, ids(g))

	for _, idx := range g.JobInstances("test") {
		inst := g.Instances[idx]
		assert.Equal(t, []int{0}, inst.Preds)
		assert.Equal(t, 1, inst.JobIndex)
	}

	release := g.Instances[5]
	assert.Equal(t, []int{1, 2, 3, 4}, release.Preds, "depends on every instance of the needed job")
	assert.Equal(t, []int{1, 2, 3, 4}, g.Instances[0].Succs)

	v, _ := g.Instances[2].Matrix.Get("torch")
	assert.Equal(t, "1.6.0", v)
}

func TestBuildGraph_Diamond(t *testing.T) {
	def, err := ParseDefinition([]byte(diamondYAML))
	require.NoError(t, err)

	g := BuildGraph(def)
	require.Equal(t, 4, g.Len())
	assert.Empty(t, g.Instances[0].Preds)
	assert.ElementsMatch(t, []int{1, 2}, g.Instances[0].Succs)
	assert.Equal(t, []int{1, 2}, g.Instances[3].Preds)
}

func TestBuildGraph_DuplicateTuplesGetDistinctIDs(t *testing.T) {
	def := &Definition{Jobs: Jobs{{
		ID: "x",
		Strategy: Strategy{Matrix: Matrix{
			Include: []MatrixValues{
				{{Name: "v", Value: "1"}, {Name: "a", Value: "p"}},
				{{Name: "v", Value: "1"}, {Name: "a", Value: "p"}},
			},
		}},
		Steps: []StepDefinition{{Run: "true"}},
	}}}

	g := BuildGraph(def)
	assert.Equal(t, []string{"x (1, p)", "x (1, p) #2"}, ids(g))
}
