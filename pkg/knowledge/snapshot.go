package knowledge

import (
	"sort"
)

// SnapshotData is the raw graph content a Source loads.
type SnapshotData struct {
	Frameworks  []Framework
	Obligations []Obligation
	Controls    []Control
	Penalties   []Penalty
	Edges       []Edge
}

// Snapshot is an immutable view of the knowledge graph. All fields are
// built once and never mutated, so concurrent reads need no locking.
type Snapshot struct {
	frameworks  map[string]Framework
	obligations map[string]*Obligation
	controls    map[string]Control
	penalties   map[string]Penalty

	// byFramework holds obligation ids ordered by article reference.
	byFramework map[string][]string
	// crossRefs is the undirected CROSS_REFERENCES adjacency.
	crossRefs map[string][]string

	// Precomputed token sets for lexical search.
	titleTokens map[string]map[string]bool
	bodyTokens  map[string]map[string]bool

	stats Stats
}

// NewSnapshot indexes raw graph data. Edges referring to unknown nodes are
// kept in the adjacency but resolve to nothing at query time, which keeps
// partially ingested graphs usable.
func NewSnapshot(data SnapshotData) *Snapshot {
	s := &Snapshot{
		frameworks:  make(map[string]Framework, len(data.Frameworks)),
		obligations: make(map[string]*Obligation, len(data.Obligations)),
		controls:    make(map[string]Control, len(data.Controls)),
		penalties:   make(map[string]Penalty, len(data.Penalties)),
		byFramework: make(map[string][]string),
		crossRefs:   make(map[string][]string),
		titleTokens: make(map[string]map[string]bool, len(data.Obligations)),
		bodyTokens:  make(map[string]map[string]bool, len(data.Obligations)),
	}

	for _, f := range data.Frameworks {
		s.frameworks[f.ID] = f
	}
	for _, c := range data.Controls {
		s.controls[c.ID] = c
	}
	for _, p := range data.Penalties {
		s.penalties[p.ID] = p
	}
	for i := range data.Obligations {
		o := data.Obligations[i]
		s.obligations[o.ID] = &o
		s.byFramework[o.Framework] = append(s.byFramework[o.Framework], o.ID)
		s.titleTokens[o.ID] = tokenize(o.Title)
		s.bodyTokens[o.ID] = tokenize(o.Body + " " + o.ArticleRef)
		if len(o.Embedding) > 0 {
			s.stats.Embedded++
		}
	}

	for _, e := range data.Edges {
		switch e.Type {
		case EdgeImplementsControl:
			if o, ok := s.obligations[e.From]; ok {
				o.ControlIDs = appendUnique(o.ControlIDs, e.To)
			}
		case EdgeHasPenalty:
			if o, ok := s.obligations[e.From]; ok {
				o.PenaltyIDs = appendUnique(o.PenaltyIDs, e.To)
			}
		case EdgeCrossReferences:
			if o, ok := s.obligations[e.From]; ok {
				o.RefIDs = appendUnique(o.RefIDs, e.To)
			}
			// References are traversed in both directions: being cited is
			// as strong a relation as citing.
			s.crossRefs[e.From] = appendUnique(s.crossRefs[e.From], e.To)
			s.crossRefs[e.To] = appendUnique(s.crossRefs[e.To], e.From)
		}
	}

	for fw, ids := range s.byFramework {
		sort.Slice(ids, func(i, j int) bool {
			a, b := s.obligations[ids[i]], s.obligations[ids[j]]
			if a.ArticleRef != b.ArticleRef {
				return a.ArticleRef < b.ArticleRef
			}
			return a.ID < b.ID
		})
		s.byFramework[fw] = ids
	}
	for id := range s.crossRefs {
		sort.Strings(s.crossRefs[id])
	}

	s.stats.Frameworks = len(s.frameworks)
	s.stats.Obligations = len(s.obligations)
	s.stats.Controls = len(s.controls)
	s.stats.Penalties = len(s.penalties)
	s.stats.Edges = len(data.Edges)
	return s
}

// Stats reports snapshot sizes.
func (s *Snapshot) Stats() Stats { return s.stats }

// HasFramework reports whether the framework exists in this snapshot.
func (s *Snapshot) HasFramework(id string) bool {
	_, ok := s.frameworks[id]
	return ok
}

// Obligation looks up one obligation by id.
func (s *Snapshot) Obligation(id string) (Obligation, bool) {
	o, ok := s.obligations[id]
	if !ok {
		return Obligation{}, false
	}
	return *o, true
}

// ObligationsByFramework returns the framework's obligations ordered by
// article reference.
func (s *Snapshot) ObligationsByFramework(framework string) []Obligation {
	ids := s.byFramework[framework]
	out := make([]Obligation, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.obligations[id])
	}
	return out
}

// CrossReferenced walks CROSS_REFERENCES edges from origin up to maxDepth
// hops. The origin itself is excluded and each obligation appears once,
// ordered nearest hop first.
func (s *Snapshot) CrossReferenced(origin string, maxDepth int) []Obligation {
	seen := map[string]bool{origin: true}
	frontier := []string{origin}

	var out []Obligation
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, ref := range s.crossRefs[id] {
				if seen[ref] {
					continue
				}
				seen[ref] = true
				next = append(next, ref)
				if o, ok := s.obligations[ref]; ok {
					out = append(out, *o)
				}
			}
		}
		frontier = next
	}
	return out
}

// ControlsForObligation resolves the obligation's IMPLEMENTS_CONTROL edges.
func (s *Snapshot) ControlsForObligation(id string) []Control {
	o, ok := s.obligations[id]
	if !ok {
		return nil
	}
	out := make([]Control, 0, len(o.ControlIDs))
	for _, cid := range o.ControlIDs {
		if c, ok := s.controls[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// PenaltiesForObligation resolves the obligation's HAS_PENALTY edges.
func (s *Snapshot) PenaltiesForObligation(id string) []Penalty {
	o, ok := s.obligations[id]
	if !ok {
		return nil
	}
	out := make([]Penalty, 0, len(o.PenaltyIDs))
	for _, pid := range o.PenaltyIDs {
		if p, ok := s.penalties[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
