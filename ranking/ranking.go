// Package ranking scores and orders candidate nodes for task placement,
// grounded on spec.md §4.5's weighted scoring formula. There is no
// example or original_source analogue beyond appliance/node.py's older
// Node variant, which was read and carries no additional scoring logic
// worth grounding this on.
package ranking

import (
	"sort"

	"github.com/palefire/troupnode/model"
)

// Weights controls the contribution of each resource dimension to a
// node's score. Weights are normalized per-request from a task's Needs,
// as needs[k] / max(needs) (spec.md §4.5), so Weights itself holds only
// the base per-dimension coefficients.
type Weights struct {
	CPU     float64
	Memory  float64
	Disk    float64
	Network float64
}

// DefaultWeights matches the values used throughout spec.md's examples.
var DefaultWeights = Weights{CPU: 1, Memory: 1, Disk: 1, Network: 1}

// Candidate pairs a node's name with its most recent known stats.
type Candidate struct {
	Name  string
	Stats *model.SystemStats // nil if no stats have been observed yet
}

// Scored is one ranked candidate.
type Scored struct {
	Name  string
	Score float64
}

// normalizedWeights scales each base weight by needs[k] / max(needs), or 0 if every need is zero
// (an all-zero Needs means "no preference", so every dimension
// contributes equally little rather than dividing by zero).
func normalizedWeights(base Weights, needs model.Needs) Weights {
	max := needs.CPU
	if needs.Memory > max {
		max = needs.Memory
	}
	if needs.Disk > max {
		max = needs.Disk
	}
	if needs.Network > max {
		max = needs.Network
	}
	if max == 0 {
		return Weights{}
	}
	return Weights{
		CPU:     base.CPU * (needs.CPU / max),
		Memory:  base.Memory * (needs.Memory / max),
		Disk:    base.Disk * (needs.Disk / max),
		Network: base.Network * (needs.Network / max),
	}
}

// network is a hook for a future network-quality term; spec.md leaves
// it unspecified beyond "reserved, currently contributes 0".
func network(*model.SystemStats) float64 { return 0 }

// score computes W.cpu*bogomips*(1-usage) + W.memory*available -
// W.disk*ioload + network, per spec.md §4.5.
func score(w Weights, s *model.SystemStats) float64 {
	if s == nil {
		return negativeInfinity
	}
	cpuUsage := s.CPU.Usage
	if cpuUsage < 0 {
		cpuUsage = 0
	}
	if cpuUsage > 1 {
		cpuUsage = 1
	}
	return w.CPU*s.CPU.Bogomips*(1-cpuUsage) +
		w.Memory*float64(s.Memory.Available) -
		w.Disk*s.Disk.IOLoad +
		w.Network*network(s)
}

// negativeInfinity sorts missing-stats candidates strictly last,
// without needing math.Inf's import just for one sentinel.
const negativeInfinity = -1e308

// Rank scores every candidate against needs using base weights
// (normalized per-dimension as needs[k]/max(needs)) and returns them
// sorted by descending score. Candidates with nil Stats sort last,
// ties break by name for a stable, reproducible order.
func Rank(candidates []Candidate, needs model.Needs, base Weights) []Scored {
	w := normalizedWeights(base, needs)
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Name: c.Name, Score: score(w, c.Stats)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Best returns the top-ranked candidate's name and true, or ("", false)
// if candidates is empty or every candidate lacks stats.
func Best(candidates []Candidate, needs model.Needs, base Weights) (string, bool) {
	ranked := Rank(candidates, needs, base)
	if len(ranked) == 0 || ranked[0].Score == negativeInfinity {
		return "", false
	}
	return ranked[0].Name, true
}
