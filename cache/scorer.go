package cache

import (
	"math"
	"strings"
	"time"
)

// Weights of the hybrid score. They sum to 1 so a perfect candidate scores
// exactly 1.0 before clamping.
const (
	weightEmbedding = 0.60
	weightText      = 0.20
	weightDomain    = 0.10
	weightRecency   = 0.05
	weightUsage     = 0.05
)

// Tokens splits normalized text on whitespace. No stemming or punctuation
// stripping; lexical overlap is intentionally strict.
func Tokens(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	intersection := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// HybridScore blends embedding similarity with lexical overlap, domain
// agreement, recency and usage signals. baseSim is the cosine similarity
// between the query vector and the candidate's stored embedding.
func HybridScore(baseSim float64, queryText string, entry *Entry, now time.Time) float64 {
	text := jaccard(Tokens(queryText), Tokens(entry.PromptNorm))

	domainBoost := 0.0
	if ClassifyDomain(queryText) == entry.Domain {
		domainBoost = 1.0
	}

	ageDays := now.Sub(entry.CreatedAt).Hours() / 24
	recency := 1.0 - math.Min(ageDays/30, 1.0)

	usage := math.Min(float64(entry.UseCount)/10, 1.0)

	score := weightEmbedding*baseSim +
		weightText*text +
		weightDomain*domainBoost +
		weightRecency*recency +
		weightUsage*usage
	return clamp01(score)
}

// Confidence estimates how safe it is to serve the candidate, starting from
// its hybrid score and adjusting on raw similarity, usage and age.
func Confidence(hybrid float64, baseSim float64, entry *Entry, now time.Time) float64 {
	confidence := hybrid
	switch {
	case baseSim > 0.85:
		confidence += 0.10
	case baseSim > 0.80:
		confidence += 0.05
	}
	if entry.UseCount > 5 {
		confidence += 0.05
	}
	if now.Sub(entry.CreatedAt) < 7*24*time.Hour {
		confidence += 0.05
	}
	if baseSim < 0.75 {
		confidence -= 0.10
	}
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
