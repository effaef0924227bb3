// Package llm asks a language model for the filing passages that bear on a
// thesis claim. Every returned passage is checked against the filing text;
// a passage that does not occur verbatim fails the whole extraction.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/extract"
	"github.com/ppiankov/thesiswatch/internal/model"
)

// ErrExcerptLeak is returned when a provider quotes text the filing does not contain
var ErrExcerptLeak = errors.New("EXCERPT LEAK")

// Extractor returns the passages of one filing that bear on one claim
type Extractor interface {
	// Name returns the provider name
	Name() string

	// Extract returns verbatim, tagged excerpts, or an explicit absence
	Extract(ctx context.Context, req extract.Request) (model.ExtractionResult, error)
}

// Config holds extraction provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "claude", "ollama", "keyword" or ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	Timeout     time.Duration
	MaxTokens   int
	Temperature float32

	// MaxExcerpts caps excerpts per claim
	MaxExcerpts int

	// MaxChars caps the filing text sent with one prompt
	MaxChars int

	// Proxy for outbound requests; nil uses the environment
	Proxy func(*http.Request) (*url.URL, error)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:     60 * time.Second,
		MaxTokens:   2000,
		MaxExcerpts: extract.DefaultMaxExcerpts,
		MaxChars:    60000,
	}
}

// ConfigFrom converts the llm config section. API keys come from
// OPENAI_API_KEY or ANTHROPIC_API_KEY, never from the config file.
func ConfigFrom(cfg model.LLMConfig) Config {
	out := DefaultConfig()
	out.Provider = strings.ToLower(cfg.Provider)
	out.Model = cfg.Model
	out.BaseURL = cfg.BaseURL
	out.Temperature = cfg.Temperature
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	if cfg.MaxTokens > 0 {
		out.MaxTokens = cfg.MaxTokens
	}
	if cfg.MaxExcerpts > 0 {
		out.MaxExcerpts = cfg.MaxExcerpts
	}
	switch out.Provider {
	case "openai":
		out.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic", "claude":
		out.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return out
}

const systemPrompt = "You extract evidence from SEC filings for an investment thesis monitor. " +
	"You quote the filing exactly and never paraphrase, summarize or invent text."

// BuildPrompt creates the extraction prompt for one claim
func BuildPrompt(req extract.Request, text string, maxExcerpts int) string {
	var b strings.Builder
	d := req.Document

	b.WriteString("# Filing\n\n")
	fmt.Fprintf(&b, "Filer: %s\nForm: %s\nAccession: %s\n\n", d.Filer, d.Filing.Form, d.Filing.Accession)

	b.WriteString("# Claim\n\n")
	fmt.Fprintf(&b, "%s\n", req.Claim.Statement)
	fmt.Fprintf(&b, "KPI: %s (must move %s)\n", strings.Join(req.SearchTerms(), " / "), req.Claim.Required)
	b.WriteString("\n")

	b.WriteString("# Filing text\n\n")
	b.WriteString("Lines starting with ## are section headings.\n\n")
	b.WriteString(text)
	b.WriteString("\n")

	b.WriteString("# Instructions\n\n")
	fmt.Fprintf(&b, "Return at most %d passages from the filing text that bear on the claim.\n", maxExcerpts)
	b.WriteString("- Copy each passage character for character. Do not shorten, join or edit passages.\n")
	b.WriteString("- tag is \"fact\" for reported results and figures, \"interpretation\" for management opinion, outlook or risk language.\n")
	b.WriteString("- stance is \"supporting\" when the passage is evidence for the claim, \"disconfirming\" when it is evidence against it.\n")
	b.WriteString("- section is the heading the passage sits under.\n")
	b.WriteString("- If nothing in the text bears on the claim, return an empty list. Do not guess.\n\n")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"excerpts":[{"text":"...","tag":"fact","stance":"supporting","section":"Item 7. ..."}]}`)
	b.WriteString("\n")

	return b.String()
}

type excerptPayload struct {
	Excerpts []struct {
		Text    string `json:"text"`
		Tag     string `json:"tag"`
		Stance  string `json:"stance"`
		Section string `json:"section"`
		Page    int    `json:"page"`
	} `json:"excerpts"`
}

// ParseResponse decodes the JSON answer of a model, tolerating code fences
// and prose around the object
func ParseResponse(raw string) ([]model.Excerpt, error) {
	body := strings.TrimSpace(raw)
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}
	var p excerptPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	out := make([]model.Excerpt, 0, len(p.Excerpts))
	for i, e := range p.Excerpts {
		ex := model.Excerpt{
			Text:    strings.TrimSpace(e.Text),
			Tag:     model.EvidenceTag(strings.ToLower(strings.TrimSpace(e.Tag))),
			Stance:  model.Stance(strings.ToLower(strings.TrimSpace(e.Stance))),
			Section: strings.TrimSpace(e.Section),
			Page:    e.Page,
		}
		if ex.Text == "" {
			continue
		}
		switch ex.Tag {
		case model.TagFact, model.TagInterpretation:
		default:
			return nil, fmt.Errorf("excerpt %d: unknown tag %q", i, e.Tag)
		}
		switch ex.Stance {
		case model.StanceSupporting, model.StanceDisconfirming:
		default:
			return nil, fmt.Errorf("excerpt %d: unknown stance %q", i, e.Stance)
		}
		out = append(out, ex)
	}
	return out, nil
}

// Verify checks that every excerpt occurs verbatim in the document and
// replaces the reported section and page with where the text actually is.
// Absence is set when nothing was found.
func Verify(res model.ExtractionResult, doc extract.Document, limit int) (model.ExtractionResult, error) {
	out := res
	out.Excerpts = nil
	for _, ex := range res.Excerpts {
		section, page, ok := doc.Locate(ex.Text)
		if !ok {
			return model.ExtractionResult{}, fmt.Errorf("%w: %s quoted text not in %s %s: %q",
				ErrExcerptLeak, res.Provider, doc.Filing.Form, doc.Filing.Accession, truncate(ex.Text, 80))
		}
		ex.Section, ex.Page = section, page
		out.Excerpts = append(out.Excerpts, ex)
		if limit > 0 && len(out.Excerpts) >= limit {
			break
		}
	}
	if len(out.Excerpts) == 0 && out.Absence == nil {
		c := model.NoDirectEvidence(doc.Locator("", 0))
		c.Accession = doc.Filing.Accession
		c.URL = doc.Filing.URL
		out.Absence = &c
	}
	if len(out.Excerpts) > 0 {
		out.Absence = nil
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// completer is one model backend: a system prompt and a user prompt in, text out
type completer interface {
	name() string
	complete(ctx context.Context, system, prompt string) (string, error)
}

// modelExtractor drives a completer through the extraction prompt
type modelExtractor struct {
	backend completer
	config  Config
}

func (m *modelExtractor) Name() string {
	return m.backend.name()
}

func (m *modelExtractor) Extract(ctx context.Context, req extract.Request) (model.ExtractionResult, error) {
	res := model.ExtractionResult{ClaimID: req.Claim.ID, Provider: m.backend.name()}
	limit := req.MaxExcerpts
	if limit <= 0 {
		limit = m.config.MaxExcerpts
	}
	text := req.Document.Relevant(req.SearchTerms(), m.config.MaxChars)
	if strings.TrimSpace(text) == "" {
		return res, nil
	}
	raw, err := m.backend.complete(ctx, systemPrompt, BuildPrompt(req, text, limit))
	if err != nil {
		return res, fmt.Errorf("%s: %w", m.backend.name(), err)
	}
	excerpts, err := ParseResponse(raw)
	if err != nil {
		return res, fmt.Errorf("%s: %w", m.backend.name(), err)
	}
	res.Excerpts = excerpts
	return res, nil
}

// guard verifies the output of any extractor against the filing text
type guard struct {
	inner Extractor
	limit int
}

func (g *guard) Name() string {
	return g.inner.Name()
}

func (g *guard) Extract(ctx context.Context, req extract.Request) (model.ExtractionResult, error) {
	res, err := g.inner.Extract(ctx, req)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	limit := req.MaxExcerpts
	if limit <= 0 {
		limit = g.limit
	}
	return Verify(res, req.Document, limit)
}
