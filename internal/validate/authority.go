package validate

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// AuthorityConfig lists the sources trusted for each tier
type AuthorityConfig struct {
	PrimaryDomains   []string          `yaml:"primary_domains" mapstructure:"primary_domains"`
	SecondaryDomains []string          `yaml:"secondary_domains" mapstructure:"secondary_domains"`
	DomainMap        map[string]string `yaml:"domain_map,omitempty" mapstructure:"domain_map"` // host -> primary|secondary|tertiary
	PathPatterns     []PathPattern     `yaml:"path_patterns,omitempty" mapstructure:"path_patterns"`
}

// PathPattern assigns a tier to URL paths matching a regular expression
type PathPattern struct {
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
	Tier    string `yaml:"tier" mapstructure:"tier"`
}

// DefaultAuthority ranks regulators and statistical agencies as primary
// and market data vendors as secondary
func DefaultAuthority() AuthorityConfig {
	return AuthorityConfig{
		PrimaryDomains: []string{
			"sec.gov",
			"treasury.gov",
			"federalreserve.gov",
			"bls.gov",
			"bea.gov",
		},
		SecondaryDomains: []string{
			"finance.yahoo.com",
			"finnhub.io",
			"nasdaq.com",
			"nyse.com",
		},
		PathPatterns: []PathPattern{
			{Pattern: `^/Archives/edgar/`, Tier: "primary"},
		},
	}
}

// AuthorityClassifier classifies citation sources into authority tiers
type AuthorityClassifier struct {
	config       AuthorityConfig
	primaryMap   map[string]bool
	secondaryMap map[string]bool
	pathPatterns []*compiledPattern
}

type compiledPattern struct {
	pattern *regexp.Regexp
	tier    model.AuthorityTier
}

// NewAuthorityClassifier creates a new authority classifier. A nil config
// selects DefaultAuthority.
func NewAuthorityClassifier(config *AuthorityConfig) *AuthorityClassifier {
	cfg := DefaultAuthority()
	if config != nil {
		cfg = *config
	}

	classifier := &AuthorityClassifier{
		config:       cfg,
		primaryMap:   make(map[string]bool),
		secondaryMap: make(map[string]bool),
	}
	for _, domain := range cfg.PrimaryDomains {
		classifier.primaryMap[strings.ToLower(domain)] = true
	}
	for _, domain := range cfg.SecondaryDomains {
		classifier.secondaryMap[strings.ToLower(domain)] = true
	}
	// Invalid patterns are skipped
	for _, pp := range cfg.PathPatterns {
		if re, err := regexp.Compile(pp.Pattern); err == nil {
			classifier.pathPatterns = append(classifier.pathPatterns, &compiledPattern{
				pattern: re,
				tier:    parseTierString(pp.Tier),
			})
		}
	}
	return classifier
}

// Classify classifies a URL into an authority tier
func (a *AuthorityClassifier) Classify(rawURL string) model.AuthorityTier {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return model.TierUnknown
	}
	host := strings.ToLower(parsed.Hostname())

	if tier, ok := a.config.DomainMap[host]; ok {
		return parseTierString(tier)
	}
	if matchDomain(host, a.primaryMap) {
		return model.TierPrimary
	}
	if matchDomain(host, a.secondaryMap) {
		return model.TierSecondary
	}
	for _, cp := range a.pathPatterns {
		if cp.pattern.MatchString(parsed.Path) {
			return cp.tier
		}
	}
	if strings.HasSuffix(host, ".gov") {
		return model.TierPrimary
	}
	return model.TierTertiary
}

// ClassifyCitation ranks a citation by its URL, or by its kind when it has none
func (a *AuthorityClassifier) ClassifyCitation(c model.Citation) model.AuthorityTier {
	if c.URL != "" {
		return a.Classify(c.URL)
	}
	switch c.Kind {
	case model.Source10K, model.Source10Q, model.Source8K, model.SourceForm4,
		model.Source13F, model.Source13D, model.Source13G, model.SourceXBRL:
		return model.TierPrimary
	case model.SourceQuote:
		return model.TierSecondary
	}
	return model.TierUnknown
}

// matchDomain matches host or any subdomain of a listed domain
func matchDomain(host string, domains map[string]bool) bool {
	if domains[host] {
		return true
	}
	for d := range domains {
		if strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// parseTierString converts a tier string to AuthorityTier
func parseTierString(tier string) model.AuthorityTier {
	switch strings.ToLower(tier) {
	case "primary", "1":
		return model.TierPrimary
	case "secondary", "2":
		return model.TierSecondary
	default:
		return model.TierTertiary
	}
}
