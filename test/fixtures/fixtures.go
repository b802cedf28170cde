// Package fixtures provides test fixtures and data generators for URLGuard
package fixtures

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"math/rand"
	"strings"
)

// =============================================================================
// URL Fixtures
// =============================================================================

// BenignURLs are ordinary URLs.
var BenignURLs = []string{
	"https://www.google.com/",
	"https://en.wikipedia.org/wiki/Go_(programming_language)",
	"http://example.com",
	"https://github.com/golang/go/issues?q=is%3Aopen",
	"https://docs.python.org/3/library/urllib.parse.html#url-parsing",
}

// SuspiciousURLs carry the patterns the features are designed to catch.
var SuspiciousURLs = []string{
	"http://192.168.1.10/login.php?user=admin",
	"http://paypal-secure-login.account-update.example.co.uk/confirm",
	"http://free-lucky-winner.xyz:8080/claim?id=123&ref=abc",
	"http://bank.example.com@evil.example.net/banking/update",
	"http://secure.login.account.verify.example.com.evil.tk/",
}

// EdgeCaseURLs exercise parsing corners.
var EdgeCaseURLs = []string{
	"",
	"example.com",
	"http://[::1]:8080/x",
	"http://[::1/x",
	"http://bücher.de/straße",
	"HTTPS://EXAMPLE.COM/LOGIN",
	"http://a.b.example.co.uk/path?x=1#frag",
	"//no-scheme.example.com/path",
	"mailto:user@example.com",
	"http://例え.テスト/パス",
}

// AllURLs returns every fixture URL.
func AllURLs() []string {
	out := make([]string, 0, len(BenignURLs)+len(SuspiciousURLs)+len(EdgeCaseURLs))
	out = append(out, BenignURLs...)
	out = append(out, SuspiciousURLs...)
	out = append(out, EdgeCaseURLs...)
	return out
}

// URLGenerator produces pseudo-random URLs from a seed.
type URLGenerator struct {
	rng *rand.Rand
}

// NewURLGenerator creates a generator. The same seed yields the same URLs.
func NewURLGenerator(seed int64) *URLGenerator {
	return &URLGenerator{rng: rand.New(rand.NewSource(seed))}
}

var (
	schemes  = []string{"http", "https"}
	words    = []string{"login", "secure", "shop", "news", "mail", "cdn", "api", "free", "blog", "account"}
	suffixes = []string{"com", "net", "org", "co.uk", "io", "de", "xyz"}
)

// URL generates one URL with the given number of subdomain labels and path
// segments.
func (g *URLGenerator) URL(subdomains, segments int) string {
	var b strings.Builder
	b.WriteString(schemes[g.rng.Intn(len(schemes))])
	b.WriteString("://")
	for i := 0; i < subdomains; i++ {
		b.WriteString(g.word())
		b.WriteByte('.')
	}
	fmt.Fprintf(&b, "%s%d.%s", g.word(), g.rng.Intn(1000), suffixes[g.rng.Intn(len(suffixes))])
	if g.rng.Intn(4) == 0 {
		fmt.Fprintf(&b, ":%d", 1024+g.rng.Intn(60000))
	}
	for i := 0; i < segments; i++ {
		b.WriteByte('/')
		b.WriteString(g.word())
	}
	if g.rng.Intn(2) == 0 {
		fmt.Fprintf(&b, "?id=%d&ref=%s", g.rng.Intn(100000), g.word())
	}
	return b.String()
}

// URLs generates n URLs of varying shape.
func (g *URLGenerator) URLs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = g.URL(g.rng.Intn(4), g.rng.Intn(5))
	}
	return out
}

func (g *URLGenerator) word() string {
	return words[g.rng.Intn(len(words))]
}

// =============================================================================
// Artifact Fixtures
// =============================================================================

// ModelArchive builds a gzip-compressed tarball holding files, the way the
// training job packages its output. Names ending in "/" become directories.
func ModelArchive(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(body)); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
