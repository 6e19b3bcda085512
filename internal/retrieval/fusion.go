package retrieval

// NormalizeByMax scales scores into [0, 1] by dividing by the largest one.
func NormalizeByMax(scores map[string]float64) map[string]float64 {
	normalized := make(map[string]float64, len(scores))
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	for id, s := range scores {
		if maxScore > 0 {
			normalized[id] = s / maxScore
		} else {
			normalized[id] = 0
		}
	}
	return normalized
}

// Blend combines a similarity and a normalized keyword score.
func Blend(similarity, keywordScore, keywordWeight float64) float64 {
	return (1-keywordWeight)*similarity + keywordWeight*keywordScore
}
