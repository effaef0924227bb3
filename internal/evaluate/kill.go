package evaluate

import (
	"fmt"
	"math"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Options are the default thresholds applied when a criterion or claim does not declare its own
type Options struct {
	ProximityBand  float64
	ProximityFloor float64
	ChallengeRatio float64
}

// OptionsFrom converts the evaluation config section
func OptionsFrom(cfg model.EvaluationConfig) Options {
	return Options{
		ProximityBand:  cfg.ProximityBand,
		ProximityFloor: cfg.ProximityFloor,
		ChallengeRatio: cfg.ChallengeRatio,
	}
}

// DefaultOptions returns the built-in thresholds
func DefaultOptions() Options {
	return OptionsFrom(model.DefaultConfig().Evaluation)
}

// Reporting is the latest fiscal period the company has reported.
// The zero value means "whatever the series last observed".
type Reporting struct {
	Year    int
	Quarter int // 1..4, 0 when only annual data exists
}

// IsZero reports whether no reporting period is known
func (r Reporting) IsZero() bool {
	return r.Year == 0
}

// Period returns the current period for a quarterly or annual series
func (r Reporting) Period(annual bool) model.Period {
	if annual {
		if r.Quarter == 0 || r.Quarter == 4 {
			return model.Period{FiscalYear: r.Year, FiscalPeriod: "FY"}
		}
		return model.Period{FiscalYear: r.Year - 1, FiscalPeriod: "FY"}
	}
	q := r.Quarter
	if q == 0 {
		q = 4
	}
	return model.Period{FiscalYear: r.Year, FiscalPeriod: fmt.Sprintf("Q%d", q)}
}

// LatestReporting finds the most recent period across observations
func LatestReporting(obs []model.KPIObservation) Reporting {
	var (
		best  model.Period
		found bool
	)
	for _, o := range obs {
		if !o.Value.Valid() {
			continue
		}
		if !found || best.Ordinal() < o.Period.Ordinal() {
			best, found = o.Period, true
		}
	}
	if !found {
		return Reporting{}
	}
	r := Reporting{Year: best.FiscalYear}
	switch best.FiscalPeriod {
	case "Q1":
		r.Quarter = 1
	case "Q2":
		r.Quarter = 2
	case "Q3":
		r.Quarter = 3
	case "Q4":
		r.Quarter = 4
	}
	return r
}

// annualSeries reports whether the history carries no quarterly points
func annualSeries(h model.KPIHistory) bool {
	for _, o := range h {
		if !o.Period.Annual() {
			return false
		}
	}
	return true
}

// EvaluateKill recomputes a kill criterion from the full KPI history.
// The result depends only on the arguments and the criterion's previous status,
// which is kept when the current period has no observation.
func EvaluateKill(kc model.KillCriterion, hist model.KPIHistory, rep Reporting, opts Options) (model.KillCriterion, error) {
	out := kc
	op, err := ParseOperator(kc.Operator)
	if err != nil {
		return kc, fmt.Errorf("kill criterion %s: %w", kc.ID, err)
	}
	annual := annualSeries(hist)
	need, err := ParseDuration(kc.Duration, annual)
	if err != nil {
		return kc, fmt.Errorf("kill criterion %s: %w", kc.ID, err)
	}
	if out.Status == "" {
		out.Status = model.KillOK
	}

	samples := transform(hist, op.Transform)
	idx := -1
	var current model.Period
	switch {
	case !rep.IsZero():
		current = rep.Period(annual)
		for i := len(samples) - 1; i >= 0; i-- {
			if samples[i].period.Same(current) {
				idx = i
				break
			}
		}
	case len(samples) > 0:
		idx = len(samples) - 1
		current = samples[idx].period
	}

	if idx < 0 {
		reason := fmt.Sprintf("no %s observation", kc.Metric)
		if current.FiscalYear != 0 {
			reason += " for " + current.Label()
			out.Period = current.Label()
		}
		if op.Transform != Level {
			reason += fmt.Sprintf(" (%s needs the comparison period)", op.Transform)
		}
		out.NoData = true
		out.CurrentValue = model.Null(reason)
		out.Distance = model.Null(reason)
		out.DistancePct = model.Null(reason)
		out.Consecutive = 0
		return out, nil
	}

	cur := samples[idx]
	v := cur.value.Float()
	th := kc.Threshold
	thCite := model.Assumption(kc.ID+" threshold", th)

	run := 0
	for i := idx; i >= 0; i-- {
		if !op.Violates(samples[i].value.Float(), th) {
			break
		}
		if i < idx && !samples[i].period.Same(samples[i+1].period.Previous()) {
			break
		}
		run++
	}

	head := op.Headroom(v, th)
	distCite := model.Computed(distanceFormula(op), cur.value.Cite(), thCite)

	out.NoData = false
	out.Period = cur.period.Label()
	out.CurrentValue = cur.value
	out.Distance = model.Cited(head, distCite)
	if th == 0 {
		out.DistancePct = model.Null("threshold is zero")
	} else {
		out.DistancePct = model.Cited(head/math.Abs(th)*100, model.Computed("distance / |threshold| x 100", distCite, thCite))
	}
	out.Consecutive = run
	out.WatchReason = ""

	switch {
	case run >= need:
		out.Status = model.KillBreach
	case run > 0:
		out.Status = model.KillWatch
		out.WatchReason = fmt.Sprintf("%d of %d consecutive periods violate %s %g", run, need, op, th)
	default:
		out.Status = model.KillOK
		if reason, near := proximity(kc, op, samples[:idx], v, th, opts); near {
			out.Status = model.KillWatch
			out.WatchReason = reason
		}
	}
	return out, nil
}

// proximity decides watch for a value that does not violate the threshold:
// either the remaining headroom is at most band x the headroom of the prior
// non-violating value, or the value sits within floor x |threshold|.
func proximity(kc model.KillCriterion, op Operator, prior []sample, v, th float64, opts Options) (string, bool) {
	band := kc.ProximityBand
	if band <= 0 {
		band = opts.ProximityBand
	}
	floor := kc.ProximityFloor
	if floor <= 0 {
		floor = opts.ProximityFloor
	}
	head := op.Headroom(v, th)

	for i := len(prior) - 1; i >= 0; i-- {
		pv := prior[i].value.Float()
		if op.Violates(pv, th) {
			continue
		}
		ph := op.Headroom(pv, th)
		if ph > 0 && head <= band*ph {
			return fmt.Sprintf("headroom %.4g is within %.0f%% of the %.4g headroom at %s", head, band*100, ph, prior[i].period.Label()), true
		}
		break
	}
	if th != 0 && math.Abs(v-th) <= floor*math.Abs(th) {
		return fmt.Sprintf("value %.4g is within %.0f%% of threshold %g", v, floor*100, th), true
	}
	return "", false
}

func distanceFormula(op Operator) string {
	switch op.Cmp {
	case "<", "<=":
		return "value - threshold"
	case ">", ">=":
		return "threshold - value"
	default:
		return "|value - threshold|"
	}
}
