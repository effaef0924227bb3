// Package evaluate computes claim and kill-criterion status from KPI history.
// Every function is pure: the same history and thresholds yield the same state.
package evaluate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Transform names a rate-of-change view of a KPI series
type Transform string

const (
	Level            Transform = ""
	QoQDecline       Transform = "qoq_decline"
	QoQIncrease      Transform = "qoq_increase"
	YoYDecline       Transform = "yoy_decline"
	BelowMidcycleBps Transform = "below_midcycle_bps"
)

// midcycleMinPeriods is the minimum trailing history for a mid-cycle average
const midcycleMinPeriods = 4

// midcycleMaxPeriods caps the mid-cycle window (three years of quarters)
const midcycleMaxPeriods = 12

// Operator is a parsed kill-criterion comparison
type Operator struct {
	Transform Transform
	Cmp       string // <, >, <=, >=, ==
}

// ParseOperator parses "<", ">=", "qoq_decline >", "below_midcycle_bps >", ...
func ParseOperator(s string) (Operator, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	var op Operator
	switch len(fields) {
	case 1:
		op.Cmp = fields[0]
	case 2:
		op.Transform, op.Cmp = Transform(fields[0]), fields[1]
	default:
		return Operator{}, fmt.Errorf("invalid operator %q", s)
	}
	switch op.Transform {
	case Level, QoQDecline, QoQIncrease, YoYDecline, BelowMidcycleBps:
	default:
		return Operator{}, fmt.Errorf("unknown rate-of-change operator %q", op.Transform)
	}
	switch op.Cmp {
	case "<", ">", "<=", ">=", "==":
	default:
		return Operator{}, fmt.Errorf("unknown comparison %q", op.Cmp)
	}
	return op, nil
}

func (o Operator) String() string {
	if o.Transform == Level {
		return o.Cmp
	}
	return string(o.Transform) + " " + o.Cmp
}

// Violates reports whether v breaches threshold th
func (o Operator) Violates(v, th float64) bool {
	switch o.Cmp {
	case "<":
		return v < th
	case ">":
		return v > th
	case "<=":
		return v <= th
	case ">=":
		return v >= th
	default:
		return math.Abs(v-th) <= 1e-9*math.Max(1, math.Abs(th))
	}
}

// Headroom is the signed gap to the threshold, positive on the safe side
func (o Operator) Headroom(v, th float64) float64 {
	switch o.Cmp {
	case "<", "<=":
		return v - th
	case ">", ">=":
		return th - v
	default:
		return math.Abs(v - th)
	}
}

// ParseDuration converts "2Q" or "1Y" into a number of consecutive periods
// for a quarterly (annual=false) or annual series.
func ParseDuration(s string, annual bool) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := s[len(s)-1]
	num := s[:len(s)-1]
	if unit >= '0' && unit <= '9' {
		unit, num = 'Q', s
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	switch unit {
	case 'Q':
		if annual {
			return (n + 3) / 4, nil
		}
		return n, nil
	case 'Y':
		if annual {
			return n, nil
		}
		return n * 4, nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", s)
	}
}

// sample is one value of a (possibly transformed) KPI series
type sample struct {
	period model.Period
	value  model.Figure
}

// transform maps KPI history (oldest first) into the series the operator compares
func transform(h model.KPIHistory, t Transform) []sample {
	var out []sample
	byKey := make(map[string]model.KPIObservation, len(h))
	for _, o := range h {
		byKey[key(o.Period)] = o
	}
	for i, o := range h {
		if !o.Value.Valid() {
			continue
		}
		cur := o.Value.Float()
		switch t {
		case Level:
			out = append(out, sample{o.Period, o.Value})
		case QoQDecline, QoQIncrease:
			prev, ok := byKey[key(o.Period.Previous())]
			if !ok || !prev.Value.Valid() || prev.Value.Float() == 0 {
				continue
			}
			p := prev.Value.Float()
			v := (p - cur) / math.Abs(p) * 100
			formula := fmt.Sprintf("(%s - %s) / |%s| x 100", o.Period.Previous().Label(), o.Period.Label(), o.Period.Previous().Label())
			if t == QoQIncrease {
				v = -v
				formula = fmt.Sprintf("(%s - %s) / |%s| x 100", o.Period.Label(), o.Period.Previous().Label(), o.Period.Previous().Label())
			}
			out = append(out, sample{o.Period, model.Cited(v, model.Computed(formula, o.Value.Cite(), prev.Value.Cite()))})
		case YoYDecline:
			prev, ok := byKey[key(o.Period.YearAgo())]
			if !ok || !prev.Value.Valid() || prev.Value.Float() == 0 {
				continue
			}
			p := prev.Value.Float()
			formula := fmt.Sprintf("(%s - %s) / |%s| x 100", o.Period.YearAgo().Label(), o.Period.Label(), o.Period.YearAgo().Label())
			out = append(out, sample{o.Period, model.Cited((p-cur)/math.Abs(p)*100, model.Computed(formula, o.Value.Cite(), prev.Value.Cite()))})
		case BelowMidcycleBps:
			start := i - midcycleMaxPeriods
			if start < 0 {
				start = 0
			}
			var (
				sum    float64
				n      int
				inputs = []model.Citation{o.Value.Cite()}
			)
			for _, prior := range h[start:i] {
				if prior.Value.Valid() {
					sum += prior.Value.Float()
					n++
					inputs = append(inputs, prior.Value.Cite())
				}
			}
			if n < midcycleMinPeriods {
				continue
			}
			mean := sum / float64(n)
			formula := fmt.Sprintf("(mean of %d prior periods %.2f - %s %.2f) x 100 bps", n, mean, o.Period.Label(), cur)
			out = append(out, sample{o.Period, model.Cited((mean-cur)*100, model.Computed(formula, inputs...))})
		}
	}
	return out
}

func key(p model.Period) string {
	fp := p.FiscalPeriod
	if fp == "" {
		fp = "FY"
	}
	return fmt.Sprintf("%d%s", p.FiscalYear, fp)
}
