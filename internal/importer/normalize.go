package importer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizationConfig controls how names and addresses are compared when no
// place id is available. Abbreviations map whole tokens after the other
// steps have run, e.g. {"street": "st", "avenue": "ave"}.
type NormalizationConfig struct {
	CaseFold           bool              `yaml:"case_fold" json:"caseFold"`
	CollapseWhitespace bool              `yaml:"collapse_whitespace" json:"collapseWhitespace"`
	StripPunctuation   bool              `yaml:"strip_punctuation" json:"stripPunctuation"`
	StripDiacritics    bool              `yaml:"strip_diacritics" json:"stripDiacritics"`
	Abbreviations      map[string]string `yaml:"abbreviations" json:"abbreviations,omitempty"`
}

// DefaultNormalization enables every locale-neutral step and no abbreviations.
func DefaultNormalization() NormalizationConfig {
	return NormalizationConfig{
		CaseFold:           true,
		CollapseWhitespace: true,
		StripPunctuation:   true,
		StripDiacritics:    true,
	}
}

// Normalizer derives identity keys from listings.
type Normalizer struct {
	cfg           NormalizationConfig
	abbreviations map[string]string
}

func NewNormalizer(cfg NormalizationConfig) *Normalizer {
	n := &Normalizer{cfg: cfg, abbreviations: make(map[string]string, len(cfg.Abbreviations))}
	for from, to := range cfg.Abbreviations {
		// Keys and replacements go through the same pipeline as the input so
		// "Street" matches when case folding is on.
		n.abbreviations[n.basic(from)] = n.basic(to)
	}
	return n
}

// Normalize applies the configured steps to s.
func (n *Normalizer) Normalize(s string) string {
	s = n.basic(s)
	if len(n.abbreviations) == 0 {
		return s
	}
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if repl, ok := n.abbreviations[tok]; ok {
			tokens[i] = repl
		}
	}
	return strings.Join(tokens, " ")
}

func (n *Normalizer) basic(s string) string {
	s = strings.TrimSpace(s)
	if n.cfg.StripDiacritics {
		// Transformers carry state, so a fresh chain is built per call.
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		if out, _, err := transform.String(t, s); err == nil {
			s = out
		}
	}
	if n.cfg.CaseFold {
		s = cases.Fold().String(s)
	}
	if n.cfg.StripPunctuation {
		s = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, s)
	}
	if n.cfg.CollapseWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	return strings.TrimSpace(s)
}

// Key returns the identity key of a listing. The normalized title and
// street/city/postal code are always filled so stored records can be found
// by either form; the place id, when present, takes precedence.
func (n *Normalizer) Key(l Listing) IdentityKey {
	var parts []string
	for _, p := range []string{l.Address, l.City, l.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return IdentityKey{
		PlaceID: strings.TrimSpace(l.PlaceID),
		Name:    n.Normalize(l.Title),
		Address: n.Normalize(strings.Join(parts, " ")),
	}
}
