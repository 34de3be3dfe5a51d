// Package hostname converts URLs and bare hosts into the canonical key used
// for every restriction and exception comparison: scheme, port, path, query
// and a single leading "www." are stripped and the result is lowercased.
package hostname

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/daimoniac/sitelock/internal/errors"
)

const (
	maxHostLength  = 253
	maxLabelLength = 63
)

// Target is a parsed navigation target.
type Target struct {
	Scheme string
	Host   string
	URL    string
}

// Normalize returns the canonical hostname key for input. It fails only when
// input has no parseable authority.
func Normalize(input string) (string, error) {
	target, err := Parse(input)
	if err != nil {
		return "", err
	}
	return target.Host, nil
}

// Parse splits input into scheme and canonical host. Inputs without a scheme
// are treated as bare authorities.
func Parse(input string) (Target, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Target{}, fmt.Errorf("empty input: %w", errors.ErrInvalidHostname)
	}

	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + strings.TrimPrefix(raw, "//")
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return Target{}, fmt.Errorf("parse %q: %v: %w", raw, err, errors.ErrInvalidHostname)
	}

	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return Target{}, fmt.Errorf("host of %q: %w", raw, err)
	}

	return Target{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		URL:    raw,
	}, nil
}

func canonicalHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", errors.ErrInvalidHostname
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("idna: %v: %w", err, errors.ErrInvalidHostname)
		}
		host = ascii
	}

	if rest, ok := strings.CutPrefix(host, "www."); ok && rest != "" {
		host = rest
	}

	if len(host) > maxHostLength {
		return "", fmt.Errorf("host too long: %w", errors.ErrInvalidHostname)
	}
	for _, label := range strings.Split(host, ".") {
		if !validLabel(label) {
			return "", fmt.Errorf("bad label %q: %w", label, errors.ErrInvalidHostname)
		}
	}
	return host, nil
}

func validLabel(label string) bool {
	if label == "" || len(label) > maxLabelLength {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Matches reports whether candidate equals restricted or is a subdomain of
// it on a label boundary. Both arguments must already be canonical.
// "a.b.example.com" matches "example.com"; "notexample.com" does not.
func Matches(candidate, restricted string) bool {
	if candidate == "" || restricted == "" {
		return false
	}
	if candidate == restricted {
		return true
	}
	return strings.HasSuffix(candidate, "."+restricted)
}

// Suffixes lists host and each of its parent domains, most specific first:
// "a.example.com" yields "a.example.com", "example.com", "com".
func Suffixes(host string) []string {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	out := make([]string, 0, strings.Count(host, ".")+1)
	for {
		out = append(out, host)
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
	}
}
