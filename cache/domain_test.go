package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDomain(t *testing.T) {
	testCases := []struct {
		text     string
		expected string
	}{
		{"how do I diversify my stock portfolio against inflation", "finance"},
		{"does this contract clause limit liability", "legal"},
		{"deploy a python api on kubernetes", "tech"},
		{"what is the capital of that country", "geography"},
		{"tell me a joke", "general"},
		{"", "general"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, ClassifyDomain(tc.text), "text: %q", tc.text)
	}
}

func TestClassifyDomain_CaseInsensitive(t *testing.T) {
	assert.Equal(t, "finance", ClassifyDomain("STOCK MARKET news"))
}

func TestClassifyDomain_SubstringMatch(t *testing.T) {
	// Keywords match as substrings, not whole words.
	assert.Equal(t, "finance", ClassifyDomain("stocks and markets"))
}

func TestClassifyDomain_TieIsGeneral(t *testing.T) {
	// One finance keyword and one legal keyword tie.
	assert.Equal(t, "general", ClassifyDomain("stock purchase contract"))
}

func TestClassifyDomain_HigherCountWins(t *testing.T) {
	assert.Equal(t, "finance", ClassifyDomain("stock market contract"))
}
