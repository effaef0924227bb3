package extract

import (
	"context"
	"strings"
	"unicode"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// KeywordProvider is the provider name recorded for keyword extraction
const KeywordProvider = "keyword"

// DefaultMaxExcerpts caps the excerpts returned per claim
const DefaultMaxExcerpts = 5

// Request asks for the passages of one filing bearing on one claim
type Request struct {
	Claim       model.Claim
	Terms       []string // KPI label, id and aliases to look for
	Document    Document
	MaxExcerpts int
}

// Limit returns the excerpt cap, defaulting when unset
func (r Request) Limit() int {
	if r.MaxExcerpts > 0 {
		return r.MaxExcerpts
	}
	return DefaultMaxExcerpts
}

// SearchTerms returns the terms to match, derived from the claim when none were given
func (r Request) SearchTerms() []string {
	if len(r.Terms) > 0 {
		return r.Terms
	}
	id := r.Claim.KPIID
	if id == "" {
		return nil
	}
	return []string{id, strings.ReplaceAll(id, "_", " ")}
}

var (
	riseWords = []string{"increase", "increased", "grew", "growth", "rose", "higher", "expanded", "improved", "accelerated", "up "}
	fallWords = []string{"decrease", "decreased", "declined", "decline", "fell", "lower", "contracted", "deteriorated", "slowed", "down "}
	// Hedged or forward-looking wording marks an interpretation
	opinionWords = []string{"we believe", "we expect", "we anticipate", "may ", "could ", "might ", "likely", "intend", "outlook", "estimate"}
)

// KeywordExtractor finds sentences that name a claim's KPI together with a
// trend word. It needs no external service and is the fallback when no
// language model is configured.
type KeywordExtractor struct{}

// NewKeywordExtractor creates a keyword extractor
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// Name returns the provider name
func (e *KeywordExtractor) Name() string {
	return KeywordProvider
}

// Extract scans every section of the document. Sentences that move the KPI
// in the claim's required direction support it; the opposite direction
// disconfirms. Sentences carrying a figure and no hedging are facts.
func (e *KeywordExtractor) Extract(ctx context.Context, req Request) (model.ExtractionResult, error) {
	res := model.ExtractionResult{ClaimID: req.Claim.ID, Provider: KeywordProvider}
	terms := lowerAll(req.SearchTerms())
	if len(terms) == 0 {
		res.Absence = absence(req.Document)
		return res, nil
	}
	seen := make(map[string]bool)
	for _, s := range req.Document.Sections {
		for _, p := range s.Paragraphs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			for _, sentence := range splitSentences(p.Text) {
				lower := strings.ToLower(sentence)
				if !mentionsAny(lower, terms) || seen[lower] {
					continue
				}
				stance, ok := stanceOf(lower, req.Claim.Required)
				if !ok {
					continue
				}
				seen[lower] = true
				res.Excerpts = append(res.Excerpts, model.Excerpt{
					Text:    sentence,
					Tag:     tagOf(lower, sentence),
					Stance:  stance,
					Section: s.Name,
					Page:    p.Page,
				})
				if len(res.Excerpts) >= req.Limit() {
					return res, nil
				}
			}
		}
	}
	if !res.Found() {
		res.Absence = absence(req.Document)
	}
	return res, nil
}

func absence(d Document) *model.Citation {
	c := model.NoDirectEvidence(d.Locator("", 0))
	c.Accession = d.Filing.Accession
	c.URL = d.Filing.URL
	return &c
}

func stanceOf(lower string, required model.TrendDirection) (model.Stance, bool) {
	up, down := mentionsAny(lower, riseWords), mentionsAny(lower, fallWords)
	if up == down {
		return "", false
	}
	switch required {
	case model.TrendUp:
		if up {
			return model.StanceSupporting, true
		}
		return model.StanceDisconfirming, true
	case model.TrendDown:
		if down {
			return model.StanceSupporting, true
		}
		return model.StanceDisconfirming, true
	}
	return "", false
}

func tagOf(lower, sentence string) model.EvidenceTag {
	if mentionsAny(lower, opinionWords) {
		return model.TagInterpretation
	}
	if strings.IndexFunc(sentence, unicode.IsDigit) < 0 {
		return model.TagInterpretation
	}
	return model.TagFact
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitSentences splits normalized text on terminators followed by a space.
// Returned sentences are exact substrings of text. A period between digits
// or after a single capital letter does not end a sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' {
			continue
		}
		if c == '.' && abbreviation(text, i) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); len(s) >= 30 && len(s) <= 600 {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); len(s) >= 30 && len(s) <= 600 {
		sentences = append(sentences, s)
	}
	return sentences
}

var abbreviations = []string{"Inc", "Corp", "Co", "Ltd", "No", "vs", "approx", "U.S", "e.g", "i.e"}

func abbreviation(text string, dot int) bool {
	if dot >= 2 && text[dot-2] == ' ' && text[dot-1] >= 'A' && text[dot-1] <= 'Z' {
		return true
	}
	for _, a := range abbreviations {
		if strings.HasSuffix(text[:dot], a) {
			if n := dot - len(a); n == 0 || text[n-1] == ' ' || text[n-1] == '(' {
				return true
			}
		}
	}
	return false
}
