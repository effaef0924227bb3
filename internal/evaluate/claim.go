package evaluate

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Trend is how the current KPI move relates to the claim's required direction
type Trend string

const (
	TrendWith    Trend = "with"
	TrendAgainst Trend = "against"
	TrendNeutral Trend = "neutral"
)

// TrendOf compares a delta with the required direction
func TrendOf(required model.TrendDirection, delta float64) Trend {
	switch {
	case required == model.TrendNone || required == "" || delta == 0:
		return TrendNeutral
	case (delta > 0) == (required == model.TrendUp):
		return TrendWith
	default:
		return TrendAgainst
	}
}

// Tally counts fact-tagged evidence attached to a claim
type Tally struct {
	Supporting       int
	Disconfirming    int
	NewSupporting    int // Added in the current cycle
	NewDisconfirming int
}

// Count tallies fact-tagged evidence added after lockedAt (all of it when nil).
// Interpretation-tagged evidence never counts.
func Count(c model.Claim, lockedAt *time.Time, cycleID string) Tally {
	var t Tally
	add := func(list []model.Evidence, total, fresh *int) {
		for _, e := range list {
			if e.Tag != model.TagFact || e.Citation.NoEvidence {
				continue
			}
			if lockedAt != nil && e.AddedAt.Before(*lockedAt) {
				continue
			}
			*total++
			if cycleID != "" && e.CycleID == cycleID {
				*fresh++
			}
		}
	}
	add(c.Supporting, &t.Supporting, &t.NewSupporting)
	add(c.Disconfirming, &t.Disconfirming, &t.NewDisconfirming)
	return t
}

// EvaluateClaim recomputes a claim's status from the KPI history and its evidence.
//
// challenged: the KPI moved against the required direction and disconfirming
// evidence reaches ratio times the supporting evidence, or disconfirming evidence from
// this cycle is not offset by new supporting evidence while the KPI is not
// moving with the claim.
// mixed: any single adverse signal.
// supported: otherwise.
func EvaluateClaim(c model.Claim, hist model.KPIHistory, rep Reporting, lockedAt *time.Time, cycleID string, opts Options) model.Claim {
	out := c
	if out.Status == "" {
		out.Status = model.ClaimSupported
	}

	obs, current, ok := observationFor(hist, rep)
	if !ok {
		reason := fmt.Sprintf("no %s observation", c.KPIID)
		if current.FiscalYear != 0 {
			reason += " for " + current.Label()
			out.Period = current.Label()
		}
		out.NoData = true
		out.CurrentValue = model.Null(reason)
		out.QoQDelta = model.Null(reason)
		out.YoYDelta = model.Null(reason)
		out.StatusReason = reason + "; status unchanged"
		return out
	}

	out.NoData = false
	out.Period = obs.Period.Label()
	out.CurrentValue = obs.Value
	out.QoQDelta = obs.QoQDelta
	out.YoYDelta = obs.YoYDelta

	trend := TrendNeutral
	basis := "no delta available"
	switch {
	case obs.QoQDelta.Valid():
		trend = TrendOf(c.Required, obs.QoQDelta.Float())
		basis = fmt.Sprintf("QoQ %+.4g", obs.QoQDelta.Float())
	case obs.YoYDelta.Valid():
		trend = TrendOf(c.Required, obs.YoYDelta.Float())
		basis = fmt.Sprintf("YoY %+.4g", obs.YoYDelta.Float())
	}

	ratio := c.ChallengeRatio
	if ratio <= 0 {
		ratio = opts.ChallengeRatio
	}
	if ratio <= 0 {
		ratio = 1
	}
	t := Count(c, lockedAt, cycleID)
	unoffset := t.NewDisconfirming > t.NewSupporting
	outweighed := float64(t.Disconfirming) >= ratio*float64(t.Supporting)
	evidenceAgainst := unoffset || (t.Disconfirming > 0 && outweighed)
	against := trend == TrendAgainst

	switch {
	case (against && outweighed) || (unoffset && trend != TrendWith):
		out.Status = model.ClaimChallenged
	case against || evidenceAgainst:
		out.Status = model.ClaimMixed
	default:
		out.Status = model.ClaimSupported
	}

	reasons := []string{fmt.Sprintf("trend %s (%s, required %s)", trend, basis, requiredLabel(c.Required))}
	reasons = append(reasons, fmt.Sprintf("evidence since lock %d supporting / %d disconfirming", t.Supporting, t.Disconfirming))
	if unoffset {
		reasons = append(reasons, fmt.Sprintf("%d new disconfirming not offset this cycle", t.NewDisconfirming))
	}
	out.StatusReason = strings.Join(reasons, "; ")
	return out
}

func requiredLabel(d model.TrendDirection) string {
	if d == "" {
		return string(model.TrendNone)
	}
	return string(d)
}

// observationFor returns the observation of the current reporting period
func observationFor(h model.KPIHistory, rep Reporting) (model.KPIObservation, model.Period, bool) {
	if rep.IsZero() {
		for i := len(h) - 1; i >= 0; i-- {
			if h[i].Value.Valid() {
				return h[i], h[i].Period, true
			}
		}
		return model.KPIObservation{}, model.Period{}, false
	}
	current := rep.Period(annualSeries(h))
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Period.Same(current) && h[i].Value.Valid() {
			return h[i], current, true
		}
	}
	return model.KPIObservation{}, current, false
}
