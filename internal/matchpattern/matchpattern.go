// Package matchpattern implements the extension match-pattern grammar used
// to decide which open documents a content_scripts declaration applies to.
//
//	<all_urls>
//	<scheme>://<host><path>
//
// scheme is one of * (http or https), http, https, ws, wss, ftp or file.
// host is *, *.<domain> (the domain and any subdomain) or an exact name, with
// an optional :port. file patterns have an empty host. path starts with / and
// may contain * wildcards; it is matched against the URL path plus query.
package matchpattern

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// AllURLs is the pattern matching every URL with a permitted scheme.
const AllURLs = "<all_urls>"

// ErrInvalidPattern is wrapped by every Parse failure.
var ErrInvalidPattern = errors.New("invalid match pattern")

var allURLSchemes = map[string]bool{
	"http": true, "https": true, "ws": true, "wss": true, "ftp": true, "file": true, "data": true,
}

var patternSchemes = map[string]bool{
	"*": true, "http": true, "https": true, "ws": true, "wss": true, "ftp": true, "file": true,
}

type Pattern struct {
	raw        string
	all        bool
	scheme     string
	host       string
	anyHost    bool
	subdomains bool
	port       string
	path       string
}

func invalid(raw, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidPattern, raw, reason)
}

// Parse compiles a single pattern.
func Parse(raw string) (*Pattern, error) {
	if raw == AllURLs {
		return &Pattern{raw: raw, all: true}, nil
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, invalid(raw, "missing scheme separator")
	}
	scheme = strings.ToLower(scheme)
	if !patternSchemes[scheme] {
		return nil, invalid(raw, "unsupported scheme "+scheme)
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, invalid(raw, "missing path")
	}
	hostPart, path := rest[:slash], rest[slash:]

	p := &Pattern{raw: raw, scheme: scheme, path: path}
	if scheme == "file" {
		if hostPart != "" {
			return nil, invalid(raw, "file patterns cannot have a host")
		}
		return p, nil
	}
	if hostPart == "" {
		return nil, invalid(raw, "missing host")
	}

	host := hostPart
	if h, port, err := net.SplitHostPort(hostPart); err == nil {
		host, p.port = h, port
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		// bracketed IPv6 literal without a port; URL hostnames carry no brackets
		host = host[1 : len(host)-1]
	}
	host = strings.ToLower(host)
	switch {
	case host == "*":
		p.anyHost = true
	case strings.HasPrefix(host, "*."):
		p.subdomains = true
		p.host = host[2:]
		if p.host == "" || strings.Contains(p.host, "*") {
			return nil, invalid(raw, "bad wildcard host")
		}
	case strings.Contains(host, "*"):
		return nil, invalid(raw, "* in host must be the whole host or a leading *.")
	default:
		p.host = host
	}
	return p, nil
}

// MustParse is Parse that panics, for package-level patterns and tests.
func MustParse(raw string) *Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) String() string { return p.raw }

// Match reports whether rawURL is covered by the pattern. Unparseable URLs
// never match.
func (p *Pattern) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if p.all {
		return allURLSchemes[scheme]
	}
	switch p.scheme {
	case "*":
		if scheme != "http" && scheme != "https" {
			return false
		}
	default:
		if scheme != p.scheme {
			return false
		}
	}
	if p.scheme != "file" && !p.matchHost(u) {
		return false
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return glob(p.path, target)
}

func (p *Pattern) matchHost(u *url.URL) bool {
	if p.port != "" && u.Port() != p.port {
		return false
	}
	if p.anyHost {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == p.host {
		return true
	}
	return p.subdomains && strings.HasSuffix(host, "."+p.host)
}

// glob matches s against pattern where * matches any run of characters.
func glob(pattern, s string) bool {
	px, sx := 0, 0
	star, mark := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && pattern[px] == '*':
			star, mark = px, sx
			px++
		case px < len(pattern) && pattern[px] == s[sx]:
			px++
			sx++
		case star >= 0:
			px = star + 1
			mark++
			sx = mark
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// Set is an ordered list of compiled patterns.
type Set []*Pattern

// ParseAll compiles every pattern, reporting all failures at once.
func ParseAll(raw []string) (Set, error) {
	set := make(Set, 0, len(raw))
	var errs []error
	for _, r := range raw {
		p, err := Parse(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set = append(set, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

// Match reports whether any pattern in the set matches rawURL. An empty set
// matches nothing.
func (s Set) Match(rawURL string) bool {
	for _, p := range s {
		if p.Match(rawURL) {
			return true
		}
	}
	return false
}
