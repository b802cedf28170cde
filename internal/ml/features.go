package ml

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cvalentine99/urlguard/internal/urlparse"
)

// Feature names produced by URLFeatureExtractor.
const (
	FeatureURLLength        = "url_length"
	FeatureHostnameLength   = "hostname_length"
	FeaturePathLength       = "path_length"
	FeatureQueryLength      = "query_length"
	FeatureNumDots          = "num_dots"
	FeatureNumHyphens       = "num_hyphens"
	FeatureNumAt            = "num_at"
	FeatureNumQuestionMarks = "num_question_marks"
	FeatureNumEquals        = "num_equals"
	FeatureNumUnderscores   = "num_underscores"
	FeatureNumAmpersands    = "num_ampersands"
	FeatureNumDigits        = "num_digits"
	FeatureHasHTTPS         = "has_https"
	FeatureUsesIP           = "uses_ip"
	FeatureNumSubdomains    = "num_subdomains"
	FeatureHasPort          = "has_port"
	FeatureURLEntropy       = "url_entropy"
)

// SuspiciousKeywords are matched case-insensitively anywhere in the URL.
// Each yields a "has_<keyword>" flag.
var SuspiciousKeywords = []string{
	"login",
	"secure",
	"account",
	"update",
	"free",
	"lucky",
	"banking",
	"confirm",
}

// KeywordFeature returns the feature name for a suspicious keyword.
func KeywordFeature(keyword string) string {
	return "has_" + keyword
}

// FeatureMap maps feature names to values. Every value is stored as float64,
// including counts and 0/1 flags.
type FeatureMap map[string]float64

// charCounts are the literal characters counted in the raw URL.
var charCounts = []struct {
	name string
	char string
}{
	{FeatureNumDots, "."},
	{FeatureNumHyphens, "-"},
	{FeatureNumAt, "@"},
	{FeatureNumQuestionMarks, "?"},
	{FeatureNumEquals, "="},
	{FeatureNumUnderscores, "_"},
	{FeatureNumAmpersands, "&"},
}

// ipHostPattern matches an http(s) URL whose authority starts with a dotted
// quad. Groups are not range checked and the search is unanchored.
var ipHostPattern = regexp.MustCompile(`https?://(?:\p{Nd}{1,3}\.){3}\p{Nd}{1,3}`)

// URLFeatureExtractor derives the model's input features from a raw URL.
// It holds no per-request state and is safe for concurrent use.
type URLFeatureExtractor struct {
	keywords []string
}

// NewURLFeatureExtractor creates a new feature extractor
func NewURLFeatureExtractor() *URLFeatureExtractor {
	return &URLFeatureExtractor{
		keywords: SuspiciousKeywords,
	}
}

// Extract returns the 25 features of rawURL. It never fails; input that
// cannot be parsed contributes empty components.
func (fe *URLFeatureExtractor) Extract(rawURL string) FeatureMap {
	features, _ := fe.Analyze(rawURL)
	return features
}

// Analyze is Extract that also returns the parsed components, so callers can
// observe parse degradation.
func (fe *URLFeatureExtractor) Analyze(rawURL string) (FeatureMap, urlparse.Components) {
	parsed := urlparse.Split(rawURL)
	domain := urlparse.RegisteredDomain(rawURL)
	lower := pythonLower(rawURL)

	features := make(FeatureMap, len(CanonicalColumns))

	features[FeatureURLLength] = float64(utf8.RuneCountInString(rawURL))
	features[FeatureHostnameLength] = float64(utf8.RuneCountInString(parsed.Netloc))
	features[FeaturePathLength] = float64(utf8.RuneCountInString(parsed.Path))
	features[FeatureQueryLength] = float64(utf8.RuneCountInString(parsed.Query))

	for _, cc := range charCounts {
		features[cc.name] = float64(strings.Count(rawURL, cc.char))
	}
	features[FeatureNumDigits] = float64(countDigits(rawURL))

	features[FeatureHasHTTPS] = boolToFloat64(strings.HasPrefix(lower, "https"))
	features[FeatureUsesIP] = boolToFloat64(ipHostPattern.MatchString(rawURL))

	features[FeatureNumSubdomains] = float64(domain.SubdomainCount())

	for _, keyword := range fe.keywords {
		features[KeywordFeature(keyword)] = boolToFloat64(strings.Contains(lower, keyword))
	}

	features[FeatureHasPort] = boolToFloat64(strings.Contains(parsed.Netloc, ":"))
	features[FeatureURLEntropy] = ShannonEntropy(rawURL)

	return features, parsed
}

// Helper functions

func boolToFloat64(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// pythonLower lowercases s with full case mapping for U+0130, which lowers
// to "i" plus a combining dot rather than a plain "i".
func pythonLower(s string) string {
	if strings.ContainsRune(s, 'İ') {
		s = strings.ReplaceAll(s, "İ", "i̇")
	}
	return strings.ToLower(s)
}

func countDigits(s string) int {
	n := 0
	for _, c := range s {
		if unicode.IsDigit(c) || unicode.Is(otherDigits, c) {
			n++
		}
	}
	return n
}

// otherDigits are characters with numeric type "digit" that are not decimal
// digits (general category No): superscripts, subscripts, circled and
// parenthesized digits, Rumi and Brahmi numerals.
var otherDigits = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00b2, Hi: 0x00b3, Stride: 1},
		{Lo: 0x00b9, Hi: 0x00b9, Stride: 1},
		{Lo: 0x1369, Hi: 0x1371, Stride: 1},
		{Lo: 0x19da, Hi: 0x19da, Stride: 1},
		{Lo: 0x2070, Hi: 0x2070, Stride: 1},
		{Lo: 0x2074, Hi: 0x2079, Stride: 1},
		{Lo: 0x2080, Hi: 0x2089, Stride: 1},
		{Lo: 0x2460, Hi: 0x2468, Stride: 1},
		{Lo: 0x2474, Hi: 0x247c, Stride: 1},
		{Lo: 0x2488, Hi: 0x2490, Stride: 1},
		{Lo: 0x24ea, Hi: 0x24ea, Stride: 1},
		{Lo: 0x24f5, Hi: 0x24fd, Stride: 1},
		{Lo: 0x24ff, Hi: 0x24ff, Stride: 1},
		{Lo: 0x2776, Hi: 0x277e, Stride: 1},
		{Lo: 0x2780, Hi: 0x2788, Stride: 1},
		{Lo: 0x278a, Hi: 0x2792, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x10a40, Hi: 0x10a43, Stride: 1},
		{Lo: 0x10e60, Hi: 0x10e68, Stride: 1},
		{Lo: 0x11052, Hi: 0x1105a, Stride: 1},
		{Lo: 0x1f100, Hi: 0x1f10a, Stride: 1},
	},
	LatinOffset: 2,
}
