package urlnorm

import (
	"fmt"
	"regexp"
)

// TopLevelDomain replaces the final domain label of every normalized URL.
const TopLevelDomain = ".gov"

// domainPattern splits a domain/path portion into scheme, lower and top.
// The lower group is greedy, so top is the rightmost ".label" in the input
// even when that label belongs to a path segment such as "/file.type".
var domainPattern = regexp.MustCompile(`^((?i:https?://))?(.+)(\.[a-zA-Z\d-]+)`)

// DomainMatch is the decomposition of the portion of a URL that precedes
// its query string.
type DomainMatch struct {
	Scheme string `json:"scheme"`
	Lower  string `json:"lower"`
	Top    string `json:"top"`
	Rest   string `json:"rest"`
}

// String reassembles the match. It returns the exact input given to
// SplitDomain.
func (m DomainMatch) String() string {
	return m.Scheme + m.Lower + m.Top + m.Rest
}

// SplitDomain decomposes s into its optional scheme, the lower domain
// portion, the trailing top-level label and whatever follows that label.
func SplitDomain(s string) (DomainMatch, error) {
	loc := domainPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return DomainMatch{}, fmt.Errorf("%w: %q has no top-level domain", ErrMalformedURL, s)
	}

	m := DomainMatch{
		Lower: s[loc[4]:loc[5]],
		Top:   s[loc[6]:loc[7]],
		Rest:  s[loc[1]:],
	}
	if loc[2] >= 0 {
		m.Scheme = s[loc[2]:loc[3]]
	}
	return m, nil
}

// RewriteDomain replaces the top-level label of s with TopLevelDomain and
// leaves every other byte untouched.
func RewriteDomain(s string) (string, error) {
	m, err := SplitDomain(s)
	if err != nil {
		return "", err
	}
	m.Top = TopLevelDomain
	return m.String(), nil
}
