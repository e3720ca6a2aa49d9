// Package screening inspects inbound requests for automation markers:
// bot user agents, malformed browser header sets, and datacenter source
// addresses. Findings feed logging and ban decisions; they never block a
// request on their own.
package screening

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Finding is one automation marker on a request.
type Finding struct {
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
	Reason string  `json:"reason"`
}

const (
	KindBotUserAgent  = "bot_user_agent"
	KindHeadlessAgent = "headless_agent"
	KindHeaders       = "headers"
	KindDatacenter    = "datacenter"
)

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java\/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
}

var headlessUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)webdriver`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)cypress`),
}

// Headers every real browser sends.
var expectedBrowserHeaders = []string{
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"User-Agent",
}

// A conservative slice of well-known cloud ranges; enough to flag the
// obvious cases. A real IP intelligence feed belongs behind this, not in it.
var datacenterCIDRs = []string{
	"3.0.0.0/8", "13.64.0.0/11", "18.0.0.0/8", "34.64.0.0/10",
	"35.184.0.0/13", "52.0.0.0/8", "54.0.0.0/8",
	"104.154.0.0/15", "139.59.0.0/16", "142.93.0.0/16",
	"157.245.0.0/16", "165.227.0.0/16", "167.99.0.0/16",
	"139.162.0.0/16", "172.104.0.0/15",
	"45.76.0.0/16", "45.77.0.0/16", "140.82.0.0/16",
	"95.216.0.0/14", "135.181.0.0/16", "168.119.0.0/16",
	"51.68.0.0/16", "51.75.0.0/16", "54.36.0.0/16",
}

var datacenterNets []*net.IPNet

func init() {
	for _, cidr := range datacenterCIDRs {
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
			datacenterNets = append(datacenterNets, ipNet)
		}
	}
}

// IsDatacenterIP checks the address against known cloud ranges.
func IsDatacenterIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range datacenterNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBotUserAgent reports whether the UA matches a known automation tool.
func IsBotUserAgent(ua string) bool {
	for _, pattern := range botUAPatterns {
		if pattern.MatchString(ua) {
			return true
		}
	}
	return false
}

// Inspect screens one request and returns its findings.
func Inspect(r *http.Request, remoteIP string) []Finding {
	var findings []Finding

	ua := r.Header.Get("User-Agent")
	if IsBotUserAgent(ua) {
		findings = append(findings, Finding{
			Kind:   KindBotUserAgent,
			Weight: 0.9,
			Reason: "user agent matches automation tool",
		})
	}
	for _, pattern := range headlessUAPatterns {
		if pattern.MatchString(ua) {
			findings = append(findings, Finding{
				Kind:   KindHeadlessAgent,
				Weight: 0.9,
				Reason: "user agent matches headless browser",
			})
			break
		}
	}

	missing := 0
	for _, header := range expectedBrowserHeaders {
		if r.Header.Get(header) == "" {
			missing++
		}
	}
	if missing > 1 {
		findings = append(findings, Finding{
			Kind:   KindHeaders,
			Weight: 0.4,
			Reason: "missing expected browser headers",
		})
	}

	if lang := r.Header.Get("Accept-Language"); lang == "*" {
		findings = append(findings, Finding{
			Kind:   KindHeaders,
			Weight: 0.3,
			Reason: "wildcard accept-language",
		})
	}

	if IsDatacenterIP(remoteIP) {
		findings = append(findings, Finding{
			Kind:   KindDatacenter,
			Weight: 0.6,
			Reason: "request from known datacenter range",
		})
	}

	return findings
}

// Score folds findings into a 0..1 risk estimate.
func Score(findings []Finding) float64 {
	var total float64
	for _, f := range findings {
		total += f.Weight
	}
	if total > 1 {
		total = 1
	}
	return total
}

// Summary joins finding reasons for log output.
func Summary(findings []Finding) string {
	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.Reason)
	}
	return strings.Join(reasons, "; ")
}
