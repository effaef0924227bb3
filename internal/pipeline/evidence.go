package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/extract"
	"github.com/ppiankov/thesiswatch/internal/llm"
	"github.com/ppiankov/thesiswatch/internal/metrics"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/templates"
)

// periodicForms are the filings whose text is searched for claim evidence
var periodicForms = map[string]bool{
	"10-K": true, "10-K/A": true, "10-Q": true, "10-Q/A": true,
}

// extractEvidence asks the extraction service about every claim of a
// monitoring thesis against the newest periodic filing of the window.
// Excerpts become evidence on the claims of t; absences and rejected
// answers are only reported.
func (p *Pipeline) extractEvidence(ctx context.Context, t *model.Thesis, in *inputs, tmpl templates.SectorTemplate, cycleID string, now time.Time, brief *model.Brief) *model.ExtractionSummary {
	if p.extractor == nil || t.Status != model.ThesisMonitoring || len(t.Claims) == 0 {
		return nil
	}
	summary := &model.ExtractionSummary{
		Enabled:  true,
		Provider: p.extractor.Name(),
		Model:    p.cfg.LLM.Model,
	}

	filing, ok := latestPeriodic(in.filings)
	if !ok || extracted(t, filing.Accession) {
		return summary
	}
	text, err := call(ctx, p.cfg.Fetch.Timeout, func(ctx context.Context) (string, error) {
		return p.filings.FilingText(ctx, filing)
	})
	if err != nil {
		brief.Partial = append(brief.Partial, model.Partial{Section: "filing_text", Reason: err.Error()})
		return summary
	}
	filer := in.company.Name
	if filer == "" {
		filer = t.Ticker
	}
	doc, err := extract.Parse(strings.NewReader(text), filing, filer)
	if err != nil {
		brief.Partial = append(brief.Partial, model.Partial{Section: "filing_text", Reason: err.Error()})
		return summary
	}

	failed := false
	for i := range t.Claims {
		if ctx.Err() != nil {
			return summary
		}
		c := &t.Claims[i]
		res, err := p.extractor.Extract(ctx, extract.Request{
			Claim:       *c,
			Terms:       terms(*c, tmpl),
			Document:    doc,
			MaxExcerpts: p.cfg.LLM.MaxExcerpts,
		})
		switch {
		case errors.Is(err, llm.ErrExcerptLeak):
			metrics.ExtractionsTotal.WithLabelValues(summary.Provider, "rejected").Inc()
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		case err != nil:
			metrics.ExtractionsTotal.WithLabelValues(summary.Provider, "error").Inc()
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("%s: %v", c.ID, err))
			failed = true
			continue
		case !res.Found():
			metrics.ExtractionsTotal.WithLabelValues(summary.Provider, "absent").Inc()
			summary.Absent = append(summary.Absent, c.ID)
			continue
		}
		metrics.ExtractionsTotal.WithLabelValues(summary.Provider, "found").Inc()
		summary.Excerpts += attach(c, res.Excerpts, doc, cycleID, now)
	}
	if failed {
		brief.Partial = append(brief.Partial, model.Partial{Section: "extraction", Reason: "extraction service failed for some claims"})
	}
	p.log.Debug().
		Str("ticker", t.Ticker).
		Str("cycle_id", cycleID).
		Str("accession", filing.Accession).
		Int("excerpts", summary.Excerpts).
		Int("absent", len(summary.Absent)).
		Msg("evidence extracted")
	return summary
}

// attach appends excerpts as cited evidence, skipping passages already on
// the claim, and returns how many were added
func attach(c *model.Claim, excerpts []model.Excerpt, doc extract.Document, cycleID string, now time.Time) int {
	have := make(map[string]bool)
	for _, list := range [][]model.Evidence{c.Supporting, c.Disconfirming} {
		for _, e := range list {
			have[e.Citation.Accession+"|"+extract.Normalize(e.Citation.Excerpt)] = true
		}
	}
	base := doc.Filing.Cite(doc.Filer)
	added := 0
	for _, ex := range excerpts {
		key := doc.Filing.Accession + "|" + extract.Normalize(ex.Text)
		if have[key] {
			continue
		}
		have[key] = true
		ev := model.Evidence{
			Citation: base.WithExcerpt(ex.Text, doc.Locator(ex.Section, ex.Page)),
			Stance:   ex.Stance,
			Tag:      ex.Tag,
			AddedAt:  now,
			CycleID:  cycleID,
		}
		if ex.Stance == model.StanceDisconfirming {
			c.Disconfirming = append(c.Disconfirming, ev)
		} else {
			c.Supporting = append(c.Supporting, ev)
		}
		added++
	}
	return added
}

// latestPeriodic returns the newest 10-K or 10-Q in a newest-first list
func latestPeriodic(filings []model.Filing) (model.Filing, bool) {
	for _, f := range filings {
		if periodicForms[strings.ToUpper(f.Form)] {
			return f, true
		}
	}
	return model.Filing{}, false
}

// extracted reports whether evidence from accession is already on the thesis
func extracted(t *model.Thesis, accession string) bool {
	for _, c := range t.Claims {
		for _, list := range [][]model.Evidence{c.Supporting, c.Disconfirming} {
			for _, e := range list {
				if e.Citation.Accession == accession {
					return true
				}
			}
		}
	}
	return false
}

// terms are the words a filing uses for the claim's KPI
func terms(c model.Claim, tmpl templates.SectorTemplate) []string {
	if c.KPIID == "" {
		return nil
	}
	out := []string{c.KPIID, strings.ReplaceAll(c.KPIID, "_", " ")}
	if def, ok := tmpl.KPI(c.KPIID); ok && def.Label != "" {
		out = append(out, def.Label)
	}
	return out
}
