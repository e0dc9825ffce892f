package pipeline

import (
	"fmt"
)

// Instance is one concrete job run: a job combined with one matrix tuple.
// Instances live in the Graph arena and refer to each other by index.
type Instance struct {
	// Index is the position in Graph.Instances
	Index int

	// ID is unique within the graph, e.g. "test (3.7, 1.6.0)"
	ID string

	// Job is the definition the instance was expanded from
	Job *JobDefinition

	// JobIndex is the job's declaration position
	JobIndex int

	// Ordinal is the instance's position among its job's instances
	Ordinal int

	// Matrix holds the resolved axis values
	Matrix MatrixValues

	// Preds and Succs are arena indices of dependency edges
	Preds []int
	Succs []int
}

// Graph is the acyclic execution graph of instances.
type Graph struct {
	Definition *Definition
	Instances  []*Instance

	byJob map[string][]int
}

// BuildGraph expands every job's matrix and connects each instance to every
// instance of the jobs it needs. The definition must already be validated.
func BuildGraph(def *Definition) *Graph {
	g := &Graph{
		Definition: def,
		byJob:      make(map[string][]int, len(def.Jobs)),
	}

	for jobIndex, job := range def.Jobs {
		used := make(map[string]int)
		for ordinal, values := range job.Strategy.Matrix.Expand() {
			id := InstanceID(job.ID, values)
			if n := used[id]; n > 0 {
				used[id] = n + 1
				id = fmt.Sprintf("%s #%d", id, n+1)
			} else {
				used[id] = 1
			}
			inst := &Instance{
				Index:    len(g.Instances),
				ID:       id,
				Job:      job,
				JobIndex: jobIndex,
				Ordinal:  ordinal,
				Matrix:   values,
			}
			g.Instances = append(g.Instances, inst)
			g.byJob[job.ID] = append(g.byJob[job.ID], inst.Index)
		}
	}

	for _, inst := range g.Instances {
		for _, need := range inst.Job.Needs {
			for _, pred := range g.byJob[need] {
				inst.Preds = append(inst.Preds, pred)
				g.Instances[pred].Succs = append(g.Instances[pred].Succs, inst.Index)
			}
		}
	}

	return g
}

// InstanceID derives the display identity of a (job, tuple) pair.
func InstanceID(jobID string, values MatrixValues) string {
	if len(values) == 0 {
		return jobID
	}
	return fmt.Sprintf("%s (%s)", jobID, values.String())
}

// JobInstances returns the arena indices of the job's instances in expansion order.
func (g *Graph) JobInstances(jobID string) []int {
	return g.byJob[jobID]
}

// Len returns the number of instances.
func (g *Graph) Len() int {
	return len(g.Instances)
}
