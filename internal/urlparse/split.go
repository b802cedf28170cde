// Package urlparse splits raw URL strings into the components the URL
// classifier was trained on. Splitting never fails: input that cannot be
// split is reported through Components.Degraded and yields empty components.
package urlparse

import (
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Components holds the generic RFC 3986 split of a URL.
type Components struct {
	Scheme   string
	Netloc   string // authority: userinfo, host and port as written
	Path     string
	Params   string
	Query    string
	Fragment string

	// Degraded is set when the input could not be split and every
	// component was replaced by the empty string.
	Degraded bool
}

const schemeChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789" +
	"+-."

// Schemes whose last path segment may carry ";params".
var usesParams = map[string]bool{
	"": true, "ftp": true, "hdl": true, "prospero": true, "http": true,
	"imap": true, "https": true, "shttp": true, "rtsp": true, "rtspu": true,
	"sip": true, "sips": true, "mms": true, "sftp": true, "tel": true,
}

var (
	unsafeBytes = strings.NewReplacer("\t", "", "\r", "", "\n", "")

	ipvFuture = regexp.MustCompile(`^v[a-fA-F0-9]+\.[a-zA-Z0-9\-._~!$&'()*+,;=:]+$`)
)

// Split splits raw into its components. Leading C0 control characters and
// spaces are ignored, as are tab, CR and LF anywhere in the input.
func Split(raw string) Components {
	s := strings.TrimLeftFunc(raw, isC0OrSpace)
	s = unsafeBytes.Replace(s)

	var c Components
	if i := strings.IndexByte(s, ':'); i > 0 && isASCIILetter(s[0]) && onlySchemeChars(s[:i]) {
		c.Scheme = strings.ToLower(s[:i])
		s = s[i+1:]
	}

	if strings.HasPrefix(s, "//") {
		c.Netloc, s = splitNetloc(s)
		if !validNetloc(c.Netloc) {
			return Components{Degraded: true}
		}
	}

	if before, after, ok := strings.Cut(s, "#"); ok {
		s, c.Fragment = before, after
	}
	if before, after, ok := strings.Cut(s, "?"); ok {
		s, c.Query = before, after
	}
	if usesParams[c.Scheme] && strings.Contains(s, ";") {
		s, c.Params = splitParams(s)
	}
	c.Path = s

	return c
}

// splitNetloc takes s starting with "//" and returns the authority and the
// remainder beginning at the first '/', '?' or '#'.
func splitNetloc(s string) (netloc, rest string) {
	s = s[2:]
	end := strings.IndexAny(s, "/?#")
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

// splitParams separates ";params" from the last path segment.
func splitParams(path string) (string, string) {
	var i int
	if slash := strings.LastIndexByte(path, '/'); slash >= 0 {
		i = strings.IndexByte(path[slash:], ';')
		if i < 0 {
			return path, ""
		}
		i += slash
	} else {
		i = strings.IndexByte(path, ';')
	}
	return path[:i], path[i+1:]
}

// validNetloc reports whether netloc would be accepted by a strict splitter:
// brackets must be balanced and enclose an IPv6 or IPvFuture literal, and
// NFKC normalization must not introduce URL delimiters.
func validNetloc(netloc string) bool {
	open := strings.Contains(netloc, "[")
	closed := strings.Contains(netloc, "]")
	if open != closed {
		return false
	}
	if open && !validBracketedNetloc(netloc) {
		return false
	}
	return normalizationSafe(netloc)
}

func validBracketedNetloc(netloc string) bool {
	hostport := netloc
	if i := strings.LastIndexByte(netloc, '@'); i >= 0 {
		hostport = netloc[i+1:]
	}
	before, bracketed, found := strings.Cut(hostport, "[")
	if !found {
		return true
	}
	if before != "" {
		return false
	}
	host, port, _ := strings.Cut(bracketed, "]")
	if port != "" && !strings.HasPrefix(port, ":") {
		return false
	}
	if strings.HasPrefix(host, "v") {
		return ipvFuture.MatchString(host)
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is6()
}

func normalizationSafe(netloc string) bool {
	if isASCII(netloc) {
		return true
	}
	n := strings.NewReplacer("@", "", ":", "", "#", "", "?", "").Replace(netloc)
	normalized := norm.NFKC.String(n)
	if normalized == n {
		return true
	}
	return !strings.ContainsAny(normalized, "/?#@:")
}

func onlySchemeChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(schemeChars, s[i]) < 0 {
			return false
		}
	}
	return true
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isC0OrSpace(r rune) bool {
	return r <= ' '
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
