package urlparse

import (
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Domain is the registrable-domain decomposition of a host.
// For "a.b.example.co.uk" it is {Subdomain: "a.b", Domain: "example", Suffix: "co.uk"}.
type Domain struct {
	Subdomain string
	Domain    string
	Suffix    string
}

// SubdomainCount returns the number of dot-separated labels in the
// subdomain, or 0 when there is none.
func (d Domain) SubdomainCount() int {
	if d.Subdomain == "" {
		return 0
	}
	return strings.Count(d.Subdomain, ".") + 1
}

// RegisteredDomain decomposes the host of raw using the ICANN section of the
// public suffix list. raw does not need a scheme: "example.com/x" still has
// the host "example.com". IP literals have neither subdomain nor suffix.
func RegisteredDomain(raw string) Domain {
	host := asciiDots.Replace(LenientHost(raw))

	if len(host) >= 4 && host[0] == '[' && host[len(host)-1] == ']' {
		if addr, err := netip.ParseAddr(host[1 : len(host)-1]); err == nil && addr.Is6() {
			return Domain{Domain: host}
		}
	}

	labels := strings.Split(host, ".")
	suffixLabels := countLabels(icannSuffix(lookupForm(labels)))
	if suffixLabels > len(labels) {
		suffixLabels = len(labels)
	}
	idx := len(labels) - suffixLabels

	if idx == 4 && suffixLabels == 0 && looksLikeIPv4(host) {
		return Domain{Domain: host}
	}

	var d Domain
	if idx >= 2 {
		d.Subdomain = strings.Join(labels[:idx-1], ".")
	}
	if idx > 0 {
		d.Domain = labels[idx-1]
	}
	d.Suffix = strings.Join(labels[idx:], ".")
	return d
}

// LenientHost extracts the host portion of raw without requiring a valid
// URL: scheme, userinfo, port and trailing root dots are dropped, and
// bracketed IPv6 literals are kept with their brackets.
func LenientHost(raw string) string {
	s := schemeless(raw)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ']'); i >= 0 {
			return s[:i+1]
		}
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	return strings.TrimRight(s, ".。．｡")
}

var asciiDots = strings.NewReplacer("。", ".", "．", ".", "｡", ".")

// schemeless strips a leading "scheme://" or "//" from raw.
func schemeless(raw string) string {
	i := strings.Index(raw, "//")
	if i == 0 {
		return raw[2:]
	}
	if i < 2 || raw[i-1] != ':' || !onlySchemeChars(raw[:i-1]) {
		return raw
	}
	return raw[i+2:]
}

// lookupForm lowercases labels and converts non-ASCII labels to punycode so
// they can be matched against the suffix list.
func lookupForm(labels []string) string {
	out := make([]string, len(labels))
	for i, label := range labels {
		label = strings.ToLower(label)
		if !isASCII(label) {
			if ascii, err := idna.Punycode.ToASCII(label); err == nil {
				label = ascii
			}
		}
		out[i] = label
	}
	return strings.Join(out, ".")
}

// icannSuffix returns the ICANN public suffix of host, skipping privately
// registered suffixes such as "blogspot.com". Hosts under an unlisted TLD
// have no suffix.
func icannSuffix(host string) string {
	if host == "" {
		return ""
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	for !icann {
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			return ""
		}
		suffix, icann = publicsuffix.PublicSuffix(suffix[i+1:])
	}
	return suffix
}

func countLabels(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, ".") + 1
}

func looksLikeIPv4(host string) bool {
	if host == "" || host[0] < '0' || host[0] > '9' {
		return false
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is4()
}
