package evaluate

import (
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Apply evaluates every claim and kill criterion of t against the KPI
// histories and returns a copy; t itself is not modified. Criteria whose
// operator or duration cannot be parsed keep their previous state and are
// reported in errs.
func Apply(t model.Thesis, histories map[string]model.KPIHistory, rep Reporting, cycleID string, opts Options) (model.Thesis, []error) {
	out := t
	out.Claims = make([]model.Claim, len(t.Claims))
	for i, c := range t.Claims {
		out.Claims[i] = EvaluateClaim(c, histories[c.KPIID], rep, t.LockedAt, cycleID, opts)
	}
	var errs []error
	out.KillCriteria = make([]model.KillCriterion, len(t.KillCriteria))
	for i, kc := range t.KillCriteria {
		next, err := EvaluateKill(kc, histories[kc.Metric], rep, opts)
		if err != nil {
			errs = append(errs, err)
		}
		out.KillCriteria[i] = next
	}
	return out, errs
}

// Breached lists the ids of kill criteria in breach
func Breached(t model.Thesis) []string {
	var ids []string
	for _, kc := range t.KillCriteria {
		if kc.Status == model.KillBreach {
			ids = append(ids, kc.ID)
		}
	}
	return ids
}

// Stamp records when the thesis was evaluated
func Stamp(t *model.Thesis, now time.Time) {
	t.EvaluatedAt = &now
	t.UpdatedAt = now
}
