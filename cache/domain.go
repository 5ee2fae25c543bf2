package cache

import "strings"

// DomainGeneral is assigned when no domain keyword matches or the best
// domains tie.
const DomainGeneral = "general"

// domainKeywords is evaluated in declaration order so classification is
// deterministic under ties in keyword counts.
var domainKeywords = []struct {
	name     string
	keywords []string
}{
	{"finance", []string{"stock", "market", "inflation", "interest", "portfolio"}},
	{"legal", []string{"contract", "clause", "law", "liability", "nda"}},
	{"tech", []string{"api", "python", "vector", "kubernetes", "embedding"}},
	{"geography", []string{"capital", "country", "city", "border"}},
}

// ClassifyDomain assigns a coarse topic label by counting keyword
// occurrences as substrings of the lowercased text. The label with the
// strictly highest count wins; zero matches or a tie yields DomainGeneral.
func ClassifyDomain(text string) string {
	lower := strings.ToLower(text)

	best := DomainGeneral
	bestCount := 0
	tied := false
	for _, domain := range domainKeywords {
		count := 0
		for _, keyword := range domain.keywords {
			if strings.Contains(lower, keyword) {
				count++
			}
		}
		if count > bestCount {
			best = domain.name
			bestCount = count
			tied = false
		} else if count == bestCount && count > 0 {
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return DomainGeneral
	}
	return best
}
