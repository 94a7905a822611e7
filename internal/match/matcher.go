// Package match decides whether two product names describe the same
// product. Analytics and alert checks use it to find a product's
// counterparts across sources.
package match

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultPrefixLength       = 20
	DefaultTokenSetThreshold  = 0.6
	DefaultEmbeddingThreshold = 0.85
)

type Matcher interface {
	Similar(reference, candidate string) bool
}

// Fold normalizes a name for comparison: NFKC, case folded, whitespace
// collapsed.
func Fold(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

// PrefixMatcher matches when the first Length runes of the reference occur
// anywhere in the candidate, ignoring case.
type PrefixMatcher struct {
	Length int
}

func (m PrefixMatcher) Similar(reference, candidate string) bool {
	n := m.Length
	if n <= 0 {
		n = DefaultPrefixLength
	}
	ref := []rune(Fold(reference))
	if len(ref) == 0 {
		return false
	}
	if len(ref) > n {
		ref = ref[:n]
	}
	return strings.Contains(Fold(candidate), string(ref))
}

// TokenSetMatcher compares the word sets of both names by Jaccard index.
type TokenSetMatcher struct {
	Threshold float64
}

func (m TokenSetMatcher) Similar(reference, candidate string) bool {
	th := m.Threshold
	if th <= 0 {
		th = DefaultTokenSetThreshold
	}
	a, b := tokens(reference), tokens(candidate)
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter)/float64(union) >= th
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[f] = struct{}{}
	}
	return out
}

// New builds the matcher named by kind: prefix, tokenset or embedding.
func New(kind string, prefixLen int, openAIKey string, log *zap.Logger) (Matcher, error) {
	switch strings.ToLower(kind) {
	case "", "prefix":
		return PrefixMatcher{Length: prefixLen}, nil
	case "tokenset":
		return TokenSetMatcher{Threshold: DefaultTokenSetThreshold}, nil
	case "embedding":
		if openAIKey == "" {
			return nil, fmt.Errorf("embedding matcher needs OPENAI_API_KEY")
		}
		return NewEmbeddingMatcher(NewOpenAIEmbedder(openAIKey), PrefixMatcher{Length: prefixLen}, log), nil
	}
	return nil, fmt.Errorf("unknown matcher %q", kind)
}
