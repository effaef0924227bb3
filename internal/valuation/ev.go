package valuation

import (
	"fmt"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/shopspring/decimal"
)

// component resolves an annual balance-sheet fact into a cited amount.
// A missing optional line is zero, cited as having no direct evidence.
func component(fs *model.FactSet, field string) (decimal.Decimal, model.Citation, bool) {
	f, ok := fs.AnnualAt(field, 0)
	if !ok {
		return decimal.Zero, model.NoDirectEvidence(field), false
	}
	return decimal.NewFromFloat(f.Value), f.Cite(fs.EntityName), true
}

// BuildEV computes EV = price x shares + LT debt + ST debt - cash - ST investments.
// Price and shares are required; when either is missing the enterprise value
// is null with the reason.
func BuildEV(fs *model.FactSet, quote *model.Quote) *model.EVBuild {
	build := &model.EVBuild{}

	shares, sharesCite, haveShares := component(fs, "shares_outstanding")
	switch {
	case quote == nil || !quote.Price.IsPositive():
		build.MarketCap = model.Null("market price unavailable")
	case !haveShares:
		build.MarketCap = model.Null("shares outstanding not reported")
	default:
		mc := quote.Price.Mul(shares)
		formula := fmt.Sprintf("price (%s) x shares (%s)", quote.Price.StringFixed(2), shares.StringFixed(0))
		build.MarketCap = model.Cited(mc.InexactFloat64(), model.Computed(formula, quote.Cite(), sharesCite))
	}
	build.Components = append(build.Components, model.EVComponent{
		Label: "Market Cap", Value: build.MarketCap, Computation: computation(build.MarketCap),
	})

	ltd, ltdCite, _ := component(fs, "long_term_debt")
	std, stdCite, _ := component(fs, "short_term_debt")
	debt := ltd.Add(std)
	debtFormula := fmt.Sprintf("LT debt (%s) + ST debt (%s)", model.Money(ltd.InexactFloat64()), model.Money(std.InexactFloat64()))
	build.TotalDebt = model.Cited(debt.InexactFloat64(), model.Computed(debtFormula, ltdCite, stdCite))
	build.Components = append(build.Components, model.EVComponent{
		Label: "Total Debt", Value: build.TotalDebt, Computation: debtFormula,
	})

	cash, cashCite, _ := component(fs, "cash_and_equivalents")
	sti, stiCite, _ := component(fs, "short_term_investments")
	totalCash := cash.Add(sti)
	cashFormula := fmt.Sprintf("cash (%s) + ST investments (%s)", model.Money(cash.InexactFloat64()), model.Money(sti.InexactFloat64()))
	build.Cash = model.Cited(totalCash.InexactFloat64(), model.Computed(cashFormula, cashCite, stiCite))
	build.Components = append(build.Components, model.EVComponent{
		Label: "Cash & Equivalents", Value: build.Cash, Computation: cashFormula,
	})

	if !build.MarketCap.Valid() {
		build.EnterpriseValue = model.Null(build.MarketCap.NullReason)
		build.Summary = "EV unavailable: " + build.MarketCap.NullReason
		return build
	}
	mc := decimal.NewFromFloat(build.MarketCap.Float())
	ev := mc.Add(debt).Sub(totalCash)
	build.Summary = fmt.Sprintf("EV = Market Cap (%s) + Debt (%s) - Cash (%s) = %s",
		model.Money(mc.InexactFloat64()), model.Money(debt.InexactFloat64()),
		model.Money(totalCash.InexactFloat64()), model.Money(ev.InexactFloat64()))
	build.EnterpriseValue = model.Cited(ev.InexactFloat64(), model.Computed(
		"market cap + total debt - cash",
		build.MarketCap.Cite(), build.TotalDebt.Cite(), build.Cash.Cite(),
	))
	return build
}

func computation(f model.Figure) string {
	if !f.Valid() {
		return "unavailable: " + f.NullReason
	}
	return f.Cite().Formula
}
