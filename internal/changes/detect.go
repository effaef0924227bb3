// Package changes diffs newly observed facts against persisted state and
// emits severity-ranked, cited change events linked to claims and kill criteria.
package changes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// namespace seeds deterministic event ids
var namespace = uuid.MustParse("8f0c6d1e-3b2a-5c4d-9e8f-7a6b5c4d3e2f")

// largeSale is the discretionary sale value that escalates to watch
var largeSale = decimal.NewFromInt(500_000)

// Input is the new information for one ticker and the state it is diffed against
type Input struct {
	Ticker string
	Filer  string // Entity name used in citations
	Since  time.Time
	Now    time.Time

	Filings   []model.Filing
	Insiders  []model.InsiderTransaction
	Ownership []model.OwnershipChange
	KPIs      []model.KPIObservation

	// Prior is the thesis as last persisted; Current is the same thesis after
	// this cycle's evaluation. Both nil when the ticker has no active thesis.
	Prior   *model.Thesis
	Current *model.Thesis

	// Seen holds event keys already in the persisted log
	Seen map[string]bool
}

// Detect classifies every new fact into a change event. Facts outside
// (Since, Now] and keys already seen produce nothing, so running it twice
// over the same input and log yields no events the second time.
func Detect(in Input) []model.ChangeEvent {
	d := detector{in: in, seen: make(map[string]bool, len(in.Seen))}
	for k := range in.Seen {
		d.seen[k] = true
	}

	for _, f := range in.Filings {
		if d.inWindow(f.FiledAt) {
			d.filing(f)
		}
	}
	for _, tx := range in.Insiders {
		if d.inWindow(tx.FiledAt) {
			d.insider(tx)
		}
	}
	for _, o := range in.Ownership {
		if d.inWindow(o.FiledAt) {
			d.ownership(o)
		}
	}
	for _, o := range in.KPIs {
		// Observations without a filing date are deduplicated by key only
		if o.Filed.IsZero() || d.inWindow(o.Filed) {
			d.kpi(o)
		}
	}
	if in.Current != nil {
		d.killMoves()
		d.catalysts()
	}

	Sort(d.events)
	return d.events
}

// Sort orders events by severity (breach first), then newest first
func Sort(events []model.ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// EventID derives the stable id of an event from its identity
func EventID(ticker string, typ model.EventType, key string) string {
	return uuid.NewSHA1(namespace, []byte(ticker+"|"+string(typ)+"|"+key)).String()
}

type detector struct {
	in     Input
	seen   map[string]bool
	events []model.ChangeEvent
}

func (d *detector) inWindow(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !d.in.Since.IsZero() && !t.After(d.in.Since) {
		return false
	}
	return d.in.Now.IsZero() || !t.After(d.in.Now)
}

func (d *detector) emit(e model.ChangeEvent) {
	if d.seen[e.Key] {
		return
	}
	d.seen[e.Key] = true
	e.ID = EventID(d.in.Ticker, e.Type, e.Key)
	e.Ticker = d.in.Ticker
	if d.in.Current != nil {
		e.ThesisID = d.in.Current.ID
	}
	e.DetectedAt = d.in.Now
	d.events = append(d.events, e)
}

var materialForms = map[string]bool{
	"10-K": true, "10-K/A": true,
	"10-Q": true, "10-Q/A": true,
	"8-K": true, "8-K/A": true,
}

func (d *detector) filing(f model.Filing) {
	sev := model.SeverityInfo
	if materialForms[strings.ToUpper(f.Form)] {
		sev = model.SeverityWatch
	}
	fact := fmt.Sprintf("%s filed %s on %s", d.filer(), f.Form, f.FiledAt.Format("2006-01-02"))
	if f.Description != "" {
		fact += ": " + f.Description
	}
	d.emit(model.ChangeEvent{
		Key:       "filing:" + f.Accession,
		Timestamp: f.FiledAt,
		Severity:  sev,
		Type:      model.EventFiling,
		Fact:      fact,
		Value:     model.Null("filings carry no numeric value"),
		Citation:  f.Cite(d.filer()),
	})
}

var insiderCodes = map[string]string{
	"P": "purchased",
	"S": "sold",
	"A": "was granted",
	"M": "exercised options for",
	"G": "gifted",
	"F": "surrendered for tax withholding",
	"C": "converted",
	"D": "disposed to the issuer",
	"J": "transferred",
}

func (d *detector) insider(tx model.InsiderTransaction) {
	verb, ok := insiderCodes[strings.ToUpper(tx.Code)]
	if !ok {
		verb = "reported code " + tx.Code + " for"
	}
	value := tx.Value()
	v, _ := value.Float64()

	sev := model.SeverityInfo
	var note string
	switch strings.ToUpper(tx.Code) {
	case "P":
		sev = model.SeverityWatch
		note = "discretionary open-market purchase"
	case "S":
		switch {
		case tx.Is10b51:
			note = "sale under a pre-arranged 10b5-1 plan"
		case value.GreaterThan(largeSale):
			sev = model.SeverityWatch
			note = "large discretionary sale outside a 10b5-1 plan"
		default:
			note = "discretionary sale below the escalation size"
		}
	case "A", "M", "F":
		note = "compensation-related; not an open-market decision"
	case "G":
		note = "gift; no consideration exchanged"
	}

	who := tx.Owner
	if tx.Title != "" {
		who = tx.Title + " " + tx.Owner
	}
	fact := fmt.Sprintf("%s %s %s shares", who, verb, decimal.NewFromFloat(tx.Shares).StringFixed(0))
	if tx.Price.IsPositive() {
		fact += fmt.Sprintf(" at $%s (%s)", tx.Price.StringFixed(2), model.Money(v))
	}
	cite := tx.Cite()
	d.emit(model.ChangeEvent{
		Key:            fmt.Sprintf("insider:%s:%s:%s:%g", tx.Accession, tx.Owner, tx.Code, tx.Shares),
		Timestamp:      tx.FiledAt,
		Severity:       sev,
		Type:           model.EventInsider,
		Fact:           fact,
		Interpretation: model.Interpret(note),
		Value:          model.Cited(v, model.Computed("shares x price", cite)),
		Citation:       cite,
	})
}

// ownershipShiftPct is the position change that escalates to watch
const ownershipShiftPct = 25.0

func (d *detector) ownership(o model.OwnershipChange) {
	cite := o.Cite()
	sev := model.SeverityInfo
	fact := fmt.Sprintf("%s reported %s shares on %s", o.Holder, decimal.NewFromFloat(o.Shares).StringFixed(0), o.Form)
	value := model.Cited(o.Shares, cite)
	if o.Shares <= 0 {
		fact = fmt.Sprintf("%s filed %s on %s", o.Holder, o.Form, o.FiledAt.Format("2006-01-02"))
		value = model.Null("position size not reported in the filing index")
	}
	var note string

	if pct, ok := o.ChangePct(); ok {
		value = model.Cited(pct, model.Computed("(shares - prior shares) / prior shares x 100", cite))
		fact += fmt.Sprintf(" (%+.1f%% vs prior %s)", pct, decimal.NewFromFloat(o.PriorShares).StringFixed(0))
		if pct >= ownershipShiftPct || pct <= -ownershipShiftPct {
			sev = model.SeverityWatch
		}
	}
	if o.IsActivist() {
		sev = model.SeverityWatch
		note = "13D filers state an intent to influence the company"
	}
	d.emit(model.ChangeEvent{
		Key:            "ownership:" + o.Accession + ":" + o.Holder,
		Timestamp:      o.FiledAt,
		Severity:       sev,
		Type:           model.EventOwnershipShift,
		Fact:           fact,
		Interpretation: model.Interpret(note),
		Value:          value,
		Citation:       cite,
	})
}

func (d *detector) kpi(o model.KPIObservation) {
	if !o.Value.Valid() {
		return
	}
	ts := o.Filed
	if ts.IsZero() {
		ts = o.ObservedAt
	}
	if ts.IsZero() {
		ts = d.in.Now
	}
	fact := fmt.Sprintf("%s %.4g for %s", label(o), o.Value.Float(), o.Period.Label())
	delta, basis := o.QoQDelta, "QoQ"
	if !delta.Valid() {
		delta, basis = o.YoYDelta, "YoY"
	}
	if delta.Valid() {
		fact += fmt.Sprintf(" (%s %+.4g)", basis, delta.Float())
	}

	e := model.ChangeEvent{
		Key:       fmt.Sprintf("kpi:%s:%.6g", o.ID, o.Value.Float()),
		Timestamp: ts,
		Severity:  model.SeverityInfo,
		Type:      model.EventKPIUpdate,
		Fact:      fact,
		Value:     o.Value,
		Citation:  o.Value.Cite(),
	}
	if th := d.in.Current; th != nil {
		var notes []string
		for _, c := range th.Claims {
			if c.KPIID != o.KPIID {
				continue
			}
			impact := model.ImpactNeutral
			if delta.Valid() {
				impact = Impact(c.Required, delta.Float())
			}
			e.Claims = append(e.Claims, model.ClaimImpact{ClaimID: c.ID, Impact: impact})
			if impact != model.ImpactNeutral {
				notes = append(notes, fmt.Sprintf("%s %s", impact, c.ID))
			}
		}
		for _, kc := range th.KillCriteria {
			if kc.Metric == o.KPIID {
				e.KillCriteria = append(e.KillCriteria, model.KillImpact{KillCriterionID: kc.ID})
			}
		}
		if len(notes) > 0 {
			e.Interpretation = model.Interpret("the " + basis + " move " + strings.Join(notes, ", "))
		}
	}
	d.emit(e)
}

// Impact maps a KPI delta onto a claim's required direction
func Impact(required model.TrendDirection, delta float64) model.Impact {
	switch {
	case required == model.TrendNone || required == "" || delta == 0:
		return model.ImpactNeutral
	case (delta > 0) == (required == model.TrendUp):
		return model.ImpactSupports
	default:
		return model.ImpactChallenges
	}
}

func (d *detector) killMoves() {
	prior := make(map[string]model.KillStatus)
	if d.in.Prior != nil {
		for _, kc := range d.in.Prior.KillCriteria {
			prior[kc.ID] = kc.Status
		}
	}
	// Moves are keyed by the evaluation they depart from, so a criterion
	// that returns to a status within one period is logged again
	from0 := "initial"
	if d.in.Prior != nil && d.in.Prior.EvaluatedAt != nil {
		from0 = d.in.Prior.EvaluatedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, kc := range d.in.Current.KillCriteria {
		from := prior[kc.ID]
		if from == "" {
			from = model.KillOK
		}
		to := kc.Status
		if to == "" || to == from {
			continue
		}
		transition := fmt.Sprintf("%s -> %s", from, to)
		sev := severityOf(to)
		if severityOf(to).Rank() < severityOf(from).Rank() {
			sev = model.SeverityInfo
		}

		cite := kc.CurrentValue.Cite()
		if !kc.CurrentValue.Valid() {
			cite = model.Assumption(kc.ID+" threshold", kc.Threshold)
		}
		fact := fmt.Sprintf("kill criterion %s (%s %s %g) moved %s", kc.ID, kc.Metric, kc.Operator, kc.Threshold, transition)
		if kc.CurrentValue.Valid() {
			fact += fmt.Sprintf(" at %.4g for %s", kc.CurrentValue.Float(), kc.Period)
		}
		e := model.ChangeEvent{
			Key:            fmt.Sprintf("kill:%s:%s:%s:%s", kc.ID, kc.Period, transition, from0),
			Timestamp:      d.in.Now,
			Severity:       sev,
			Type:           model.EventKillMove,
			Fact:           fact,
			Interpretation: model.Interpret(kc.WatchReason),
			Value:          kc.CurrentValue,
			Citation:       cite,
			KillCriteria:   []model.KillImpact{{KillCriterionID: kc.ID, Transition: transition}},
		}
		if !e.Value.Valid() && e.Value.NullReason == "" {
			e.Value = model.Null("no current value")
		}
		for _, c := range d.in.Current.Claims {
			if c.KPIID == kc.Metric {
				impact := model.ImpactNeutral
				if sev != model.SeverityInfo {
					impact = model.ImpactChallenges
				}
				e.Claims = append(e.Claims, model.ClaimImpact{ClaimID: c.ID, Impact: impact})
			}
		}
		d.emit(e)
	}
}

func severityOf(s model.KillStatus) model.Severity {
	switch s {
	case model.KillBreach:
		return model.SeverityBreach
	case model.KillWatch:
		return model.SeverityWatch
	default:
		return model.SeverityInfo
	}
}

func (d *detector) catalysts() {
	for _, cat := range d.in.Current.Catalysts {
		date := cat.Date
		if date == nil {
			parsed, ok := model.ParseCatalystDate(cat.ExpectedDate)
			if !ok {
				continue
			}
			date = &parsed
		}
		if !d.inWindow(*date) {
			continue
		}
		e := model.ChangeEvent{
			Key:       "catalyst:" + cat.ID,
			Timestamp: *date,
			Severity:  model.SeverityInfo,
			Type:      model.EventCatalyst,
			Fact:      fmt.Sprintf("catalyst %q reached its expected date %s", cat.Event, date.Format("2006-01-02")),
			Value:     model.Null("catalysts carry no numeric value"),
			Citation: model.Citation{
				Kind:    model.SourceAssumption,
				Locator: "catalyst " + cat.ID,
				Formula: "declared expected date " + cat.ExpectedDate,
			},
		}
		for _, id := range cat.ClaimsTested {
			e.Claims = append(e.Claims, model.ClaimImpact{ClaimID: id, Impact: model.ImpactNeutral})
		}
		for _, id := range cat.KillCriteriaTested {
			e.KillCriteria = append(e.KillCriteria, model.KillImpact{KillCriterionID: id})
		}
		d.emit(e)
	}
}

// MarkOccurred flags catalysts whose expected date has passed by now
func MarkOccurred(t *model.Thesis, now time.Time) {
	for i := range t.Catalysts {
		cat := &t.Catalysts[i]
		date := cat.Date
		if date == nil {
			parsed, ok := model.ParseCatalystDate(cat.ExpectedDate)
			if !ok {
				continue
			}
			date = &parsed
		}
		if !date.After(now) {
			cat.Occurred = true
		}
	}
}

func (d *detector) filer() string {
	if d.in.Filer != "" {
		return d.in.Filer
	}
	return d.in.Ticker
}

func label(o model.KPIObservation) string {
	if o.Label != "" {
		return o.Label
	}
	return o.KPIID
}
