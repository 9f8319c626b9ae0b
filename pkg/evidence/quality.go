package evidence

import "time"

const (
	// freshnessWindow is the age at which an artefact's freshness reaches 0.
	freshnessWindow = 90 * 24 * time.Hour

	// flagThreshold marks items whose combined score is too weak to trust
	// without review. Flagged items are stored regardless.
	flagThreshold = 0.4

	collectorWeight = 0.7
	freshnessWeight = 0.3
)

// Freshness scores how recent an artefact is: 1.0 at collection time,
// decaying linearly to 0 at the 90 day window. Future or zero timestamps
// score 1.0.
func Freshness(collectedAt, now time.Time) float64 {
	if collectedAt.IsZero() || !collectedAt.Before(now) {
		return 1
	}
	age := now.Sub(collectedAt)
	if age >= freshnessWindow {
		return 0
	}
	return 1 - float64(age)/float64(freshnessWindow)
}

// Score combines a collector's raw rating with freshness into the stored
// quality score and reports whether the item falls under the review flag.
func Score(collectorScore float64, collectedAt, now time.Time) (float64, bool) {
	final := collectorWeight*clamp01(collectorScore) + freshnessWeight*Freshness(collectedAt, now)
	final = clamp01(final)
	return final, final < flagThreshold
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
