package rag

import (
	"sort"
)

// RebuildOptions selects the passages dropped by Rebuild.
type RebuildOptions struct {
	// DropInvalid removes passages whose scenario id is empty or "unknown".
	DropInvalid bool

	// DropScenarios removes every passage of the listed scenarios.
	DropScenarios []string

	// DropSources removes every passage that came from the listed files.
	DropSources []string
}

// Rebuild returns a new index containing only the passages that survive
// opts, together with the number of removed entries. The flat index has no
// delete, so removal always goes through a filtered copy; stored vectors are
// reused and nothing is re-embedded.
func Rebuild(idx *Index, opts RebuildOptions) (*Index, int) {
	dropScenario := toSet(opts.DropScenarios)
	dropSource := toSet(opts.DropSources)
	out := idx.Filter(func(_ int, p Passage) bool {
		if opts.DropInvalid && !ValidScenario(p.ScenarioID) {
			return false
		}
		if _, ok := dropScenario[p.ScenarioID]; ok {
			return false
		}
		if _, ok := dropSource[p.SourceFile]; ok {
			return false
		}
		return true
	})
	return out, idx.Len() - out.Len()
}

// Stats summarises an index.
type Stats struct {
	Total      int            `json:"total"`
	Dimension  int            `json:"dimension"`
	Metric     string         `json:"metric"`
	ByScenario map[string]int `json:"by_scenario"`
	ByType     map[string]int `json:"by_type"`
	Invalid    int            `json:"invalid"`
}

// ComputeStats counts passages per scenario and per type.
func ComputeStats(idx *Index) Stats {
	s := Stats{
		Dimension:  idx.Dim(),
		Metric:     idx.Metric().String(),
		ByScenario: map[string]int{},
		ByType:     map[string]int{},
	}
	idx.Scan(func(_ int, p Passage) bool {
		s.Total++
		s.ByScenario[p.ScenarioID]++
		s.ByType[string(p.Type)]++
		if !ValidScenario(p.ScenarioID) {
			s.Invalid++
		}
		return true
	})
	return s
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
