package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ppiankov/thesiswatch/internal/cache"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/util"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

// maxInsiderFilings bounds Form 4 documents fetched per cycle
const maxInsiderFilings = 25

// EDGAROptions configures the EDGAR client
type EDGAROptions struct {
	SEC      model.SECConfig
	Fetch    model.FetchConfig
	Cache    cache.Cache
	CacheTTL time.Duration
	Limiter  *worker.Limiter
}

// EDGAR reads company facts, submissions and filing documents from SEC EDGAR
type EDGAR struct {
	cfg    model.SECConfig
	http   *fetcher
	robots *util.RobotsChecker
	log    zerolog.Logger

	mu      sync.Mutex
	tickers map[string]tickerEntry
}

type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// NewEDGAR creates an EDGAR client. SEC hosts share one rate bucket.
func NewEDGAR(opts EDGAROptions) *EDGAR {
	logger := log.With().Str("component", "edgar_client").Logger()
	limiter := opts.Limiter
	if limiter == nil {
		limiter = worker.NewLimiter(opts.SEC.RatePerSecond, 1)
	}
	hosts := []string{}
	for _, u := range []string{opts.SEC.BaseURL, opts.SEC.FilesURL, opts.SEC.ArchivesURL} {
		if h := hostPart(u); h != "" {
			hosts = append(hosts, h)
		}
	}
	limiter.Share(opts.SEC.RatePerSecond, 1, hosts...)

	e := &EDGAR{
		cfg: opts.SEC,
		http: newFetcher(fetchOptions{
			source:    "edgar",
			userAgent: opts.SEC.UserAgent,
			timeout:   opts.SEC.Timeout,
			limiter:   limiter,
			cache:     opts.Cache,
			ttl:       opts.CacheTTL,
			fetch:     opts.Fetch,
			log:       logger,
		}),
		log: logger,
	}
	if opts.SEC.RespectRobots {
		proxy := util.NewProxyFunc(opts.Fetch.HTTPProxy, opts.Fetch.HTTPSProxy, opts.Fetch.NoProxy)
		e.robots = util.NewRobotsChecker(opts.SEC.UserAgent, opts.SEC.Timeout).WithTransport(util.NewTransport(proxy))
	}
	return e
}

// PadCIK renders a CIK as the 10-digit form used by data.sec.gov
func PadCIK(cik int64) string {
	return fmt.Sprintf("%010d", cik)
}

// Company resolves a ticker to its registrant
func (e *EDGAR) Company(ctx context.Context, ticker string) (Company, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if err := e.loadTickers(ctx); err != nil {
		return Company{}, err
	}

	e.mu.Lock()
	entry, ok := e.tickers[ticker]
	e.mu.Unlock()
	if !ok {
		return Company{}, fmt.Errorf("%w: ticker %s", ErrNotFound, ticker)
	}

	co := Company{Ticker: ticker, CIK: PadCIK(entry.CIK), Name: entry.Title}
	sub, err := e.submissions(ctx, co)
	if err != nil {
		return co, err
	}
	if sub.Name != "" {
		co.Name = sub.Name
	}
	co.SIC = sub.SIC
	co.SICDescription = sub.SICDescription
	return co, nil
}

func (e *EDGAR) loadTickers(ctx context.Context) error {
	e.mu.Lock()
	loaded := e.tickers != nil
	e.mu.Unlock()
	if loaded {
		return nil
	}

	body, err := e.http.get(ctx, strings.TrimRight(e.cfg.FilesURL, "/")+"/files/company_tickers.json")
	if err != nil {
		return fmt.Errorf("company tickers: %w", err)
	}
	var raw map[string]tickerEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("%w: decode company tickers: %v", ErrUnavailable, err)
	}
	idx := make(map[string]tickerEntry, len(raw))
	for _, t := range raw {
		idx[strings.ToUpper(t.Ticker)] = t
	}

	e.mu.Lock()
	e.tickers = idx
	e.mu.Unlock()
	return nil
}

// submissionsDoc is the subset of the submissions API the engine reads
type submissionsDoc struct {
	CIK            string `json:"cik"`
	Name           string `json:"name"`
	SIC            string `json:"sic"`
	SICDescription string `json:"sicDescription"`
	Filings        struct {
		Recent recentFilings `json:"recent"`
	} `json:"filings"`
}

type recentFilings struct {
	AccessionNumber       []string `json:"accessionNumber"`
	FilingDate            []string `json:"filingDate"`
	ReportDate            []string `json:"reportDate"`
	AcceptanceDateTime    []string `json:"acceptanceDateTime"`
	Form                  []string `json:"form"`
	PrimaryDocument       []string `json:"primaryDocument"`
	PrimaryDocDescription []string `json:"primaryDocDescription"`
}

func (e *EDGAR) submissions(ctx context.Context, co Company) (*submissionsDoc, error) {
	url := fmt.Sprintf("%s/submissions/CIK%s.json", strings.TrimRight(e.cfg.BaseURL, "/"), co.CIK)
	body, err := e.http.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("submissions %s: %w", co.Ticker, err)
	}
	var doc submissionsDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode submissions %s: %v", ErrUnavailable, co.Ticker, err)
	}
	return &doc, nil
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

// filedAt prefers the acceptance timestamp and falls back to the filing date
func filedAt(acceptance, date string) time.Time {
	if t, err := time.Parse(time.RFC3339, acceptance); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t
	}
	return time.Time{}
}

// archiveURL builds the document URL of a filing
func (e *EDGAR) archiveURL(cik, accession, doc string) string {
	n, _ := strconv.ParseInt(strings.TrimLeft(cik, "0"), 10, 64)
	base := fmt.Sprintf("%s/%d/%s", strings.TrimRight(e.cfg.ArchivesURL, "/"), n, strings.ReplaceAll(accession, "-", ""))
	if doc == "" {
		return base + "/"
	}
	return base + "/" + doc
}

// recent lists every filing in the submissions feed filed after since
func (e *EDGAR) recent(ctx context.Context, co Company, since time.Time) ([]model.Filing, error) {
	doc, err := e.submissions(ctx, co)
	if err != nil {
		return nil, err
	}
	r := doc.Filings.Recent
	var out []model.Filing
	for i, acc := range r.AccessionNumber {
		filed := filedAt(at(r.AcceptanceDateTime, i), at(r.FilingDate, i))
		if filed.IsZero() || (!since.IsZero() && !filed.After(since)) {
			continue
		}
		primary := at(r.PrimaryDocument, i)
		out = append(out, model.Filing{
			Accession:   acc,
			Form:        at(r.Form, i),
			FiledAt:     filed,
			ReportDate:  at(r.ReportDate, i),
			PrimaryDoc:  primary,
			URL:         e.archiveURL(co.CIK, acc, primary),
			Description: at(r.PrimaryDocDescription, i),
		})
	}
	return out, nil
}

// Filings returns filings made after since, newest first
func (e *EDGAR) Filings(ctx context.Context, co Company, since time.Time) ([]model.Filing, error) {
	return e.recent(ctx, co, since)
}

// ownershipForm reports 13D/13G schedules under either EDGAR naming
func ownershipForm(form string) bool {
	f := strings.ToUpper(form)
	for _, p := range []string{"SC 13D", "SC 13G", "SCHEDULE 13D", "SCHEDULE 13G"} {
		if strings.HasPrefix(f, p) {
			return true
		}
	}
	return false
}

// Ownership returns beneficial ownership schedules filed on the company.
// The submissions feed carries no holder or position, so shares stay zero.
func (e *EDGAR) Ownership(ctx context.Context, co Company, since time.Time) ([]model.OwnershipChange, error) {
	filings, err := e.recent(ctx, co, since)
	if err != nil {
		return nil, err
	}
	var out []model.OwnershipChange
	for _, f := range filings {
		if !ownershipForm(f.Form) {
			continue
		}
		holder := f.Description
		if holder == "" || strings.EqualFold(holder, f.Form) {
			holder = "filer " + f.Accession
		}
		out = append(out, model.OwnershipChange{
			Accession: f.Accession,
			Holder:    holder,
			Form:      f.Form,
			FiledAt:   f.FiledAt,
			URL:       e.archiveURL(co.CIK, f.Accession, ""),
		})
	}
	return out, nil
}

// Insiders fetches and parses the Form 4 filings made after since
func (e *EDGAR) Insiders(ctx context.Context, co Company, since time.Time) ([]model.InsiderTransaction, error) {
	filings, err := e.recent(ctx, co, since)
	if err != nil {
		return nil, err
	}
	var out []model.InsiderTransaction
	fetched := 0
	for _, f := range filings {
		if f.Form != "4" && f.Form != "4/A" {
			continue
		}
		if fetched >= maxInsiderFilings {
			e.log.Debug().Str("ticker", co.Ticker).Int("limit", maxInsiderFilings).Msg("insider filing limit reached")
			break
		}
		fetched++
		url := e.archiveURL(co.CIK, f.Accession, rawForm4Doc(f.PrimaryDoc))
		body, err := e.http.get(ctx, url)
		if err != nil {
			return out, fmt.Errorf("form 4 %s: %w", f.Accession, err)
		}
		txs, err := ParseForm4(body, f.Accession, f.FiledAt, url)
		if err != nil {
			e.log.Warn().Err(err).Str("accession", f.Accession).Msg("skipping unparseable form 4")
			continue
		}
		out = append(out, txs...)
	}
	return out, nil
}

// rawForm4Doc strips the XSL rendering directory ("xslF345X05/") so the raw XML is fetched
func rawForm4Doc(doc string) string {
	if i := strings.LastIndex(doc, "/"); i >= 0 && strings.HasPrefix(strings.ToLower(doc), "xsl") {
		return doc[i+1:]
	}
	return doc
}

// FilingText fetches the primary document of a filing as raw HTML
func (e *EDGAR) FilingText(ctx context.Context, f model.Filing) (string, error) {
	if f.URL == "" {
		return "", fmt.Errorf("%w: filing %s has no document url", ErrNotFound, f.Accession)
	}
	if e.robots != nil {
		allowed, delay, err := e.robots.CanFetch(ctx, f.URL)
		if err == nil && !allowed {
			return "", fmt.Errorf("%w: %s", ErrDisallowed, f.URL)
		}
		if delay > 0 && e.http.limiter != nil {
			if err := e.http.limiter.WaitWithDelay(ctx, f.URL, delay); err != nil {
				return "", err
			}
		}
	}
	body, err := e.http.get(ctx, f.URL)
	if err != nil {
		return "", fmt.Errorf("filing %s: %w", f.Accession, err)
	}
	return string(body), nil
}

func hostPart(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.IndexAny(raw, "/?"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
