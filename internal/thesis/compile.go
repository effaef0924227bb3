package thesis

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/thesiswatch/internal/evaluate"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/templates"
)

// maxDefaultClaims bounds the claims derived from leading KPIs when the text names none
const maxDefaultClaims = 3

var sentenceSplit = regexp.MustCompile(`[.!?;\n]+`)

var (
	upWords   = []string{"expand", "grow", "accelerat", "improv", "increas", "rise", "rising", "widen", "recover", "higher", "beat", "strong"}
	downWords = []string{"declin", "shrink", "fall", "falling", "lower", "contract", "compress", "reduc", "normaliz", "weak", "deteriorat", "slow"}
)

// Compile turns narrative text into a draft thesis using the sector template.
// Claims are keyed to KPIs named in the text, or to the template's leading
// KPIs when none are named. Kill criteria default to the template's.
func Compile(in CompileInput, tmpl templates.SectorTemplate, now time.Time) (*model.Thesis, error) {
	t := &model.Thesis{
		ID:         uuid.NewString(),
		Ticker:     in.Ticker,
		Direction:  in.Direction,
		Text:       strings.TrimSpace(in.Text),
		Sector:     tmpl.Sector,
		Status:     model.ThesisDraft,
		EntryPrice: model.Null("thesis not locked"),
		ClosePrice: model.Null("thesis not closed"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	sentences := sentenceSplit.Split(t.Text, -1)
	for _, def := range mentioned(tmpl, t.Text) {
		sentence := sentenceFor(sentences, def)
		required := directionFrom(sentence, def, in.Direction)
		t.Claims = append(t.Claims, model.Claim{
			ID:        fmt.Sprintf("%s-C%d", t.Ticker, len(t.Claims)+1),
			Statement: statement(sentence, def, required),
			KPIID:     def.ID,
			Family:    def.Family,
			Required:  required,
			Status:    model.ClaimSupported,
		})
	}

	kills := in.KillCriteria
	if len(kills) == 0 {
		for _, kt := range tmpl.KillCriteria {
			kills = append(kills, KillInput{
				Description: kt.Description,
				Metric:      kt.Metric,
				Operator:    kt.Operator,
				Threshold:   kt.Threshold,
				Duration:    kt.Duration,
			})
		}
	}
	for _, k := range kills {
		if _, err := evaluate.ParseOperator(k.Operator); err != nil {
			return nil, fmt.Errorf("%w: kill criterion on %s: %v", ErrInvalidInput, k.Metric, err)
		}
		if _, err := evaluate.ParseDuration(k.Duration, false); err != nil {
			return nil, fmt.Errorf("%w: kill criterion on %s: %v", ErrInvalidInput, k.Metric, err)
		}
		desc := k.Description
		if desc == "" {
			desc = fmt.Sprintf("%s %s %g for %s", k.Metric, k.Operator, k.Threshold, k.Duration)
		}
		t.KillCriteria = append(t.KillCriteria, model.KillCriterion{
			ID:           fmt.Sprintf("%s-K%d", t.Ticker, len(t.KillCriteria)+1),
			Description:  desc,
			Metric:       k.Metric,
			Operator:     k.Operator,
			Threshold:    k.Threshold,
			Duration:     k.Duration,
			Status:       model.KillOK,
			CurrentValue: model.Null("not evaluated yet"),
			Distance:     model.Null("not evaluated yet"),
			DistancePct:  model.Null("not evaluated yet"),
		})
	}

	for _, c := range in.Catalysts {
		cat := model.Catalyst{
			ID:           fmt.Sprintf("%s-CAT%d", t.Ticker, len(t.Catalysts)+1),
			Event:        c.Event,
			ExpectedDate: c.ExpectedDate,
			ClaimsTested: c.Claims,
		}
		if date, ok := model.ParseCatalystDate(c.ExpectedDate); ok {
			if date.Before(now) {
				continue
			}
			cat.Date = &date
		}
		if len(cat.ClaimsTested) == 0 {
			for _, cl := range t.Claims {
				cat.ClaimsTested = append(cat.ClaimsTested, cl.ID)
			}
		}
		for _, id := range cat.ClaimsTested {
			if cl, ok := t.FindClaim(id); ok && cl.CatalystID == "" {
				cl.CatalystID = cat.ID
			}
		}
		t.Catalysts = append(t.Catalysts, cat)
	}
	return t, nil
}

// mentioned returns the template KPIs named in text, falling back to the leading ones
func mentioned(tmpl templates.SectorTemplate, text string) []templates.KPIDefinition {
	lower := strings.ToLower(text)
	var out []templates.KPIDefinition
	for _, def := range tmpl.KPIs {
		if nameMatch(lower, def) {
			out = append(out, def)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, def := range tmpl.KPIs {
		if def.Family == model.FamilyLeading && len(out) < maxDefaultClaims {
			out = append(out, def)
		}
	}
	for _, def := range tmpl.KPIs {
		if len(out) >= maxDefaultClaims {
			break
		}
		if def.Family != model.FamilyLeading {
			out = append(out, def)
		}
	}
	return out
}

func nameMatch(lower string, def templates.KPIDefinition) bool {
	candidates := []string{strings.ToLower(def.ID), strings.ReplaceAll(strings.ToLower(def.ID), "_", " ")}
	if def.Label != "" {
		candidates = append(candidates, strings.ToLower(def.Label))
	}
	for _, c := range candidates {
		if containsWord(lower, c) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	re := regexp.MustCompile(`(^|[^a-z0-9])` + regexp.QuoteMeta(word) + `($|[^a-z0-9])`)
	return re.MatchString(text)
}

func sentenceFor(sentences []string, def templates.KPIDefinition) string {
	for _, s := range sentences {
		if nameMatch(strings.ToLower(s), def) {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// directionFrom infers the direction a claim needs from trend words in its
// sentence. Without trend words, a KPI alerting when high should fall and
// any other should rise; a short thesis flips the default.
func directionFrom(sentence string, def templates.KPIDefinition, dir model.Direction) model.TrendDirection {
	lower := strings.ToLower(sentence)
	up, down := hasAny(lower, upWords), hasAny(lower, downWords)
	switch {
	case up && !down:
		return model.TrendUp
	case down && !up:
		return model.TrendDown
	}
	want := model.TrendUp
	if def.AlertAbove != nil && def.AlertBelow == nil {
		want = model.TrendDown
	}
	if dir == model.Short {
		if want == model.TrendUp {
			return model.TrendDown
		}
		return model.TrendUp
	}
	return want
}

func hasAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func statement(sentence string, def templates.KPIDefinition, required model.TrendDirection) string {
	if sentence != "" {
		return sentence
	}
	verb := "rises"
	if required == model.TrendDown {
		verb = "falls"
	}
	return fmt.Sprintf("%s %s", def.Label, verb)
}
