package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// rrfK is the reciprocal-rank-fusion constant. Sixty is the value from the
// original RRF paper and damps the head of each ranking enough that a
// document ranked well by both signals beats a single-list winner.
const rrfK = 60

type ranked struct {
	id    string
	score float64
}

// SearchObligations ranks obligations against query using lexical token
// overlap fused with cosine similarity over queryVec. Pass a nil queryVec
// to search lexically only. Results are capped at k.
func (s *Snapshot) SearchObligations(query string, queryVec []float32, k int) []Obligation {
	if k <= 0 {
		k = 10
	}

	lexical := s.rankLexical(query)
	fused := lexical
	if len(queryVec) > 0 {
		fused = fuseRankings(lexical, s.rankVector(queryVec))
	}

	if len(fused) > k {
		fused = fused[:k]
	}
	out := make([]Obligation, 0, len(fused))
	for _, r := range fused {
		out = append(out, *s.obligations[r.id])
	}
	return out
}

// rankLexical scores obligations by how many distinct query tokens appear
// in their text. Title hits weigh double. Token sets are precomputed when
// the snapshot is built.
func (s *Snapshot) rankLexical(query string) []ranked {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var out []ranked
	for id := range s.obligations {
		score := 0.0
		for term := range terms {
			if s.titleTokens[id][term] {
				score += 2
			} else if s.bodyTokens[id][term] {
				score++
			}
		}
		if score > 0 {
			out = append(out, ranked{id: id, score: score})
		}
	}
	sortRanked(out)
	return out
}

func (s *Snapshot) rankVector(queryVec []float32) []ranked {
	var out []ranked
	for id, o := range s.obligations {
		if len(o.Embedding) == 0 {
			continue
		}
		if sim := cosine(queryVec, o.Embedding); sim > 0 {
			out = append(out, ranked{id: id, score: sim})
		}
	}
	sortRanked(out)
	return out
}

// fuseRankings merges rankings with reciprocal rank fusion:
// score(d) = sum over lists of 1/(rrfK + rank).
func fuseRankings(lists ...[]ranked) []ranked {
	scores := map[string]float64{}
	for _, list := range lists {
		for i, r := range list {
			scores[r.id] += 1.0 / float64(rrfK+i+1)
		}
	}

	out := make([]ranked, 0, len(scores))
	for id, score := range scores {
		out = append(out, ranked{id: id, score: score})
	}
	sortRanked(out)
	return out
}

func sortRanked(list []ranked) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].id < list[j].id
	})
}

func cosine(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}
