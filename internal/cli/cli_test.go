package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/thesiswatch/internal/model"
)

func TestParseKill(t *testing.T) {
	k, err := parseKill("gross_margin < 45% 2q")
	require.NoError(t, err)
	assert.Equal(t, "gross_margin", k.Metric)
	assert.Equal(t, "<", k.Operator)
	assert.Equal(t, 45.0, k.Threshold)
	assert.Equal(t, "2Q", k.Duration)

	k, err = parseKill("revenue qoq_decline > 10 1Q")
	require.NoError(t, err)
	assert.Equal(t, "qoq_decline >", k.Operator)

	_, err = parseKill("gross_margin < 45")
	assert.Error(t, err)
	_, err = parseKill("gross_margin < lots 2Q")
	assert.Error(t, err)
}

func TestParseCatalyst(t *testing.T) {
	c, err := parseCatalyst("Q3 earnings @ 2025-11-20")
	require.NoError(t, err)
	assert.Equal(t, "Q3 earnings", c.Event)
	assert.Equal(t, "2025-11-20", c.ExpectedDate)

	c, err = parseCatalyst("Investor day at HQ@next earnings")
	require.NoError(t, err)
	assert.Equal(t, "next earnings", c.ExpectedDate)

	for _, bad := range []string{"no date", "@2025-01-01", "event@"} {
		_, err := parseCatalyst(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".thesiswatch")
	path, err := writeDefaultConfig(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# thesiswatch configuration"))

	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, model.DefaultConfig().SEC.BaseURL, cfg.SEC.BaseURL)
	assert.Equal(t, "badger", cfg.Store.Driver)

	_, err = writeDefaultConfig(dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("THESISWATCH_SEC_USER_AGENT", "Research Desk desk@example.org")
	t.Setenv("THESISWATCH_CONCURRENCY_WORKERS", "3")
	initConfig()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "Research Desk desk@example.org", cfg.SEC.UserAgent)
	assert.Equal(t, 3, cfg.Concurrency.Workers)
	assert.Equal(t, model.DefaultConfig().Valuation.Horizon, cfg.Valuation.Horizon)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("store.driver", "sqlite")

	_, err := loadConfig()
	assert.ErrorContains(t, err, "invalid config")
}

func TestFigure(t *testing.T) {
	v := model.Cited(49.9, model.Citation{Kind: model.SourceXBRL})
	assert.Equal(t, "49.90%", figure(v, "%"))
	assert.Equal(t, "$49.90", figure(v, "$"))
	assert.Equal(t, "49.90 days", figure(v, "days"))
	assert.Contains(t, figure(model.Null("no 10-Q yet"), "%"), "no 10-Q yet")
	assert.Contains(t, figure(model.Figure{}, ""), "n/a")
}

func TestPrintBrief(t *testing.T) {
	at := time.Date(2025, 11, 5, 7, 0, 0, 0, time.UTC)
	gm := model.Cited(49.9, model.Citation{Kind: model.SourceXBRL})
	b := &model.Brief{
		Ticker:      "ACME",
		EntityName:  "Acme Corp",
		Sector:      "general",
		CycleID:     "c-1",
		GeneratedAt: at,
		Price:       model.Null("market price unavailable"),
		KPIs: []model.KPIObservation{{
			KPIID:  "gross_margin",
			Label:  "Gross margin",
			Unit:   "%",
			Period: model.Period{FiscalYear: 2025, FiscalPeriod: "Q3"},
			Value:  gm,
		}},
		KillCriteria: []model.KillCriterion{{
			ID: "ACME-K1", Metric: "gross_margin", Operator: "<", Threshold: 50, Duration: "2Q",
			Status: model.KillWatch, CurrentValue: gm, Consecutive: 1,
		}},
		Changes: []model.ChangeEvent{{
			Timestamp: at,
			Severity:  model.SeverityWatch,
			Type:      model.EventKillMove,
			Fact:      "gross_margin 49.90 breaches < 50",
			KillCriteria: []model.KillImpact{{
				KillCriterionID: "ACME-K1", Transition: "ok -> watch",
			}},
		}},
		Partial: []model.Partial{{Section: "quote", Reason: "timeout"}},
	}

	var buf bytes.Buffer
	printBrief(&buf, b)
	out := buf.String()
	for _, want := range []string{
		"Acme Corp",
		"partial brief, missing: quote",
		"market price unavailable",
		"Q3 FY2025",
		"49.90%",
		"ACME-K1",
		"ok -> watch",
		"Non-normative",
	} {
		assert.Contains(t, out, want)
	}
}

func TestPrintThesisList(t *testing.T) {
	var buf bytes.Buffer
	printThesisList(&buf, []model.Thesis{{
		ID: "th-1", Ticker: "ACME", Direction: model.Long, Sector: "general", Status: model.ThesisMonitoring,
		KillCriteria: []model.KillCriterion{{Status: model.KillBreach}, {Status: model.KillOK}},
	}})
	assert.Contains(t, buf.String(), "1/2 breached")
	assert.Contains(t, buf.String(), "monitoring")
}
