package templates

import "github.com/ppiankov/thesiswatch/internal/model"

func f(v float64) *float64 { return &v }

// Builtin returns the templates compiled into the binary
func Builtin() []SectorTemplate {
	return []SectorTemplate{saas(), semis(), general()}
}

// sicSectors maps SEC SIC codes to specialized templates
var sicSectors = map[string]string{
	"7370": "saas",  // Computer programming, data processing
	"7371": "saas",  // Computer programming services
	"7372": "saas",  // Prepackaged software
	"7374": "saas",  // Computer processing, data preparation
	"3674": "semis", // Semiconductors and related devices
	"3559": "semis", // Special industry machinery (wafer fab equipment)
	"3825": "semis", // Instruments for measuring electricity
}

// SectorForSIC returns the template key for a SIC code, or GeneralSector
func SectorForSIC(sic string) string {
	if s, ok := sicSectors[sic]; ok {
		return s
	}
	return GeneralSector
}

func saas() SectorTemplate {
	return SectorTemplate{
		Sector:      "saas",
		DisplayName: "SaaS / Cloud Software",
		KPIs: []KPIDefinition{
			{
				ID: "nrr", Label: "Net Revenue Retention", Unit: "%",
				Description: "Recurring revenue from existing customers YoY. Disclosed in 10-K revenue discussion; not in XBRL, requires filing text extraction.",
				AlertBelow:  f(105), Family: model.FamilyLeading,
			},
			{
				ID: "cac_payback", Label: "CAC Payback Period", Unit: "months",
				Description: "S&M spend / (net new ARR x gross margin). Requires ARR disclosure from filing text.",
				AlertAbove:  f(24), Family: model.FamilyEfficiency,
			},
			{
				ID: "rule_of_40", Label: "Rule of 40", Unit: "%",
				Description: "Revenue growth % + FCF margin %. Computed from 10-K revenue and cash flow statement.",
				AlertBelow:  f(30), Family: model.FamilyEfficiency,
			},
			{
				ID: "gross_margin", Label: "Gross Margin", Unit: "%",
				Description: "10-K income statement. Exclude SBC from COGS if material.",
				AlertBelow:  f(70), Family: model.FamilyLagging,
			},
			{
				ID: "sbc_revenue", Label: "SBC / Revenue", Unit: "%",
				Description: "Stock-based compensation as % of revenue. 10-K cash flow statement.",
				AlertAbove:  f(25), Family: model.FamilyQuality,
			},
			{
				ID: "fcf_margin", Label: "FCF Margin", Unit: "%",
				Description: "(Operating cash flow - capex) / revenue.",
				Family:      model.FamilyLagging,
			},
			{
				ID: "revenue_growth", Label: "Revenue Growth YoY", Unit: "%",
				Description: "Total revenue year-over-year growth. 10-K income statement.",
				Family:      model.FamilyLeading,
			},
		},
		Adjustments: []Adjustment{
			{
				Name:        "SBC normalization",
				Description: "SBC often runs at 15-30% of revenue. Treat FCF minus SBC as the owner cash flow.",
				Computation: "adjusted_fcf = reported_fcf - sbc_expense",
			},
			{
				Name:        "Capitalized software costs",
				Description: "Capitalized development costs inflate operating income. Check the 10-K intangibles note.",
				Computation: "adjusted_opex = reported_opex + capitalized_dev_costs",
			},
		},
		KillCriteria: []KillTemplate{
			{Description: "NRR < 105% for 2 consecutive quarters", Metric: "nrr", Operator: "<", Threshold: 105, Duration: "2Q"},
			{Description: "CAC payback > 30 months", Metric: "cac_payback", Operator: ">", Threshold: 30, Duration: "1Q"},
			{Description: "SBC/Revenue > 30% and rising", Metric: "sbc_revenue", Operator: ">", Threshold: 30, Duration: "2Q"},
			{Description: "Rule of 40 < 25% for 2 consecutive quarters", Metric: "rule_of_40", Operator: "<", Threshold: 25, Duration: "2Q"},
		},
		Valuation:      model.MethodEVRevenue,
		ValuationNotes: "EV/Revenue is primary. DCF terminal value dominates for growth software. Pair with Rule of 40.",
		IncludeScores:  []string{"beneish_m"},
		ExcludeScores: map[string]string{
			"altman_z":    "Designed for manufacturing firms. Working capital and retained earnings ratios are meaningless for SaaS.",
			"piotroski_f": "Asset turnover and leverage signals do not apply to asset-light businesses with structurally negative working capital.",
			"greenblatt":  "EBIT/EV is often negative for growth SaaS; ranking by earnings yield excludes the strongest compounders.",
		},
	}
}

func semis() SectorTemplate {
	return SectorTemplate{
		Sector:      "semis",
		DisplayName: "Semiconductors",
		KPIs: []KPIDefinition{
			{
				ID: "backlog", Label: "Order Backlog", Unit: "$",
				Description:    "Unfilled orders from the 10-K backlog discussion or earnings release. Not in XBRL, requires filing text extraction.",
				AlertDirection: "declining_qoq", Family: model.FamilyLeading,
			},
			{
				ID: "gross_margin", Label: "Gross Margin", Unit: "%",
				Description: "10-K income statement. Decompose into mix, ASP, and utilization.",
				Family:      model.FamilyLagging,
			},
			{
				ID: "book_to_bill", Label: "Book-to-Bill Ratio", Unit: "x",
				Description: "New orders / revenue; above 1.0 is expanding. Not in XBRL, requires filing text extraction.",
				AlertBelow:  f(0.9), Family: model.FamilyLeading,
			},
			{
				ID: "inventory_days", Label: "Inventory Days", Unit: "days",
				Description:    "Inventory / (COGS/365). Rising days signal softening demand or channel stuffing.",
				AlertDirection: "context_dependent", Family: model.FamilyEfficiency,
			},
			{
				ID: "capex_intensity", Label: "CapEx / Revenue", Unit: "%",
				Description: "Capital intensity from the cash flow statement. Differs for fabless and IDM.",
				Family:      model.FamilyEfficiency,
			},
			{
				ID: "r_and_d_intensity", Label: "R&D / Revenue", Unit: "%",
				Description:    "Innovation spend from the income statement.",
				AlertDirection: "context_dependent", Family: model.FamilyQuality,
			},
			{
				ID: "revenue_growth", Label: "Revenue Growth YoY", Unit: "%",
				Description: "Total revenue year-over-year growth. 10-K income statement.",
				Family:      model.FamilyLeading,
			},
		},
		Adjustments: []Adjustment{
			{
				Name:        "Cycle normalization",
				Description: "Earnings are deeply cyclical. Value on mid-cycle margins averaged over the last full cycle.",
				Computation: "normalized_eps = mid_cycle_margin x current_revenue / shares",
			},
			{
				Name:        "Gross margin bridge",
				Description: "Decompose gross margin changes into product mix, ASP, utilization and input costs.",
				Computation: "management bridge from the earnings call",
			},
		},
		KillCriteria: []KillTemplate{
			{Description: "Backlog declines >15% QoQ", Metric: "backlog", Operator: "qoq_decline >", Threshold: 15, Duration: "1Q"},
			{Description: "Book-to-bill < 0.85 for 2 consecutive quarters", Metric: "book_to_bill", Operator: "<", Threshold: 0.85, Duration: "2Q"},
			{Description: "Inventory days > 120 and rising", Metric: "inventory_days", Operator: ">", Threshold: 120, Duration: "2Q"},
			{Description: "Gross margin below mid-cycle average by >500bps", Metric: "gross_margin", Operator: "below_midcycle_bps >", Threshold: 500, Duration: "2Q"},
		},
		Valuation:      model.MethodEVEBITDA,
		ValuationNotes: "EV/EBITDA on normalized mid-cycle earnings. Trailing P/E misleads at cycle turns.",
		IncludeScores:  []string{"piotroski_f", "beneish_m"},
		ExcludeScores: map[string]string{
			"altman_z": "Working capital swings with the inventory cycle and would flag distress at troughs.",
		},
	}
}

func general() SectorTemplate {
	return SectorTemplate{
		Sector:      GeneralSector,
		DisplayName: "General",
		KPIs: []KPIDefinition{
			{
				ID: "revenue_growth", Label: "Revenue Growth YoY", Unit: "%",
				Description: "Total revenue year-over-year growth.",
				Family:      model.FamilyLeading,
			},
			{
				ID: "gross_margin", Label: "Gross Margin", Unit: "%",
				Description: "Gross profit / revenue.",
				Family:      model.FamilyLagging,
			},
			{
				ID: "operating_margin", Label: "Operating Margin", Unit: "%",
				Description: "Operating income / revenue.",
				Family:      model.FamilyLagging,
			},
			{
				ID: "fcf_margin", Label: "FCF Margin", Unit: "%",
				Description: "(Operating cash flow - capex) / revenue.",
				Family:      model.FamilyEfficiency,
			},
			{
				ID: "roe", Label: "Return on Equity", Unit: "%",
				Description: "Net income / stockholders' equity.",
				Family:      model.FamilyQuality,
			},
			{
				ID: "net_debt_ebitda", Label: "Net Debt / EBITDA", Unit: "x",
				Description: "(Total debt - cash) / (operating income + D&A).",
				AlertAbove:  f(3), Family: model.FamilyQuality,
			},
		},
		KillCriteria: []KillTemplate{
			{Description: "Revenue growth negative for 2 consecutive quarters", Metric: "revenue_growth", Operator: "<", Threshold: 0, Duration: "2Q"},
			{Description: "Net debt / EBITDA > 4x", Metric: "net_debt_ebitda", Operator: ">", Threshold: 4, Duration: "1Q"},
		},
		Valuation:      model.MethodDCF,
		ValuationNotes: "Reverse DCF on trailing free cash flow.",
		IncludeScores:  []string{"piotroski_f", "beneish_m"},
		ExcludeScores: map[string]string{
			"altman_z":   "Calibrated on manufacturing firms; not applied without a sector-specific template.",
			"greenblatt": "A cross-sectional ranking; meaningless for a single ticker.",
		},
	}
}
