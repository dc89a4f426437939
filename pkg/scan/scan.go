// Package scan flags plaintext that looks like it carries credentials.
//
// Detection is best effort. Results are category labels only; the matched
// text never leaves this package.
package scan

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	LabelAWSAccessKey      = "AWS Access Key"
	LabelPrivateKey        = "Private Key"
	LabelPassword          = "Password Pattern"
	LabelSecret            = "Secret Pattern"
	LabelJWT               = "JWT Token"
	LabelGitHubPAT         = "GitHub PAT"
	LabelAzureGUID         = "Azure GUID"
	LabelDockerAuth        = "Docker Auth Base64"
	LabelGCPServiceEmail   = "GCP Service Account Email"
	LabelGoogleAPIKey      = "Google API Key"
	LabelGCPRefreshToken   = "GCP Refresh Token"
	LabelGCPClientSecret   = "GCP Client Secret"
	LabelGCPClientID       = "GCP Client ID"
	LabelGCPPrivateKeyID   = "GCP Private Key ID"
	LabelGCPServiceAccount = "GCP Service Account JSON"
	minDockerAuthEntropy   = 3.5
	guidContextWindow      = 40
)

var placeholders = []string{"changeme", "password", "secret", "dummy", "example"}

var guidKeywords = []string{"client_id", "tenant_id", "subscription_id", "applicationid", "app_id"}

type recognizer struct {
	label string
	re    *regexp.Regexp
	// group is the submatch checked against placeholders; 0 is the whole match.
	group int
	// accept, when set, must also approve the match.
	accept func(text string, loc []int, value string) bool
}

var recognizers = []recognizer{
	{label: LabelAWSAccessKey, re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{label: LabelPrivateKey, re: regexp.MustCompile(`-----BEGIN (?:(?:RSA|EC|DSA|OPENSSH) )?PRIVATE KEY-----`)},
	{label: LabelPassword, re: regexp.MustCompile(`(?i)\bpassword['"]?\s*[:=]\s*['"]([^'"]+)['"]`), group: 1},
	{label: LabelSecret, re: regexp.MustCompile(`(?i)\bsecret['"]?\s*[:=]\s*['"]([^'"]+)['"]`), group: 1},
	{label: LabelJWT, re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)},
	{label: LabelGitHubPAT, re: regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9_]{36}|github_pat_[A-Za-z0-9_]{22,255})\b`)},
	{
		label:  LabelAzureGUID,
		re:     regexp.MustCompile(`\b[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[1-5][a-fA-F0-9]{3}-[89abAB][a-fA-F0-9]{3}-[a-fA-F0-9]{12}\b`),
		accept: guidInContext,
	},
	{
		label: LabelDockerAuth,
		re:    regexp.MustCompile(`"auth"\s*:\s*"([A-Za-z0-9+/=]{20,})"`),
		group: 1,
		accept: func(_ string, _ []int, value string) bool {
			return Entropy(value) >= minDockerAuthEntropy
		},
	},
	{label: LabelGCPServiceEmail, re: regexp.MustCompile(`\b[0-9a-zA-Z._%+-]+@[0-9a-zA-Z.-]+\.iam\.gserviceaccount\.com\b`)},
	{label: LabelGoogleAPIKey, re: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{label: LabelGCPRefreshToken, re: regexp.MustCompile(`\b1/[0-9a-zA-Z_-]{35,}\b`)},
	{label: LabelGCPClientSecret, re: regexp.MustCompile(`\b[A-Z0-9]{24}\b`)},
	{label: LabelGCPClientID, re: regexp.MustCompile(`\b[0-9]{12}-[a-z0-9]{32}\.apps\.googleusercontent\.com\b`)},
	{label: LabelGCPPrivateKeyID, re: regexp.MustCompile(`\b[0-9a-f]{40}\b`)},
}

// Scan returns the sorted, deduplicated labels of every recognizer that
// matched content. It never fails; an empty input yields nil.
func Scan(content string) []string {
	if content == "" {
		return nil
	}
	text := norm.NFKC.String(content)
	found := make(map[string]struct{})
	for _, r := range recognizers {
		if matches(r, text) {
			found[r.label] = struct{}{}
		}
	}
	if serviceAccountDocument(text) {
		found[LabelGCPServiceAccount] = struct{}{}
	}
	if len(found) == 0 {
		return nil
	}
	labels := make([]string, 0, len(found))
	for l := range found {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func matches(r recognizer, text string) bool {
	for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2*r.group], loc[2*r.group+1]
		if start < 0 {
			continue
		}
		value := text[start:end]
		if hasPlaceholder(text[loc[0]:loc[1]], r.group) || hasPlaceholder(value, 0) {
			continue
		}
		if r.accept != nil && !r.accept(text, loc, value) {
			continue
		}
		return true
	}
	return false
}

// hasPlaceholder checks s for dummy tokens. Keyword recognizers (group > 0)
// always contain their keyword in the full match, so only their value counts.
func hasPlaceholder(s string, group int) bool {
	if group > 0 {
		return false
	}
	low := strings.ToLower(s)
	for _, p := range placeholders {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}

func guidInContext(text string, loc []int, _ string) bool {
	from := loc[0] - guidContextWindow
	if from < 0 {
		from = 0
	}
	to := loc[1] + guidContextWindow
	if to > len(text) {
		to = len(text)
	}
	window := strings.ToLower(text[from:to])
	for _, k := range guidKeywords {
		if strings.Contains(window, k) {
			return true
		}
	}
	return false
}

func serviceAccountDocument(text string) bool {
	return strings.Contains(text, `"type"`) &&
		strings.Contains(text, "service_account") &&
		strings.Contains(text, `"private_key"`)
}

// Entropy is the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var e float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		e -= p * math.Log2(p)
	}
	return e
}
