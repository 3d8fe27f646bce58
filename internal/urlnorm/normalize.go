// Package urlnorm canonicalizes URL strings: the top-level domain is
// rewritten to ".gov" and query parameters are deduplicated.
//
// The package works on raw strings with two regular expressions rather than
// a URL grammar. Host and path are not told apart, so in
// "example.a/b/file.type" the ".type" suffix is the label that gets
// rewritten.
package urlnorm

import (
	"errors"
	"strings"
)

// ErrMalformedURL is returned when no top-level domain label can be found
// in front of the query string.
var ErrMalformedURL = errors.New("malformed url")

// Result describes one normalization.
type Result struct {
	Input  string      `json:"input"`
	URL    string      `json:"url"`
	Domain DomainMatch `json:"domain"`
	Params []Param     `json:"params"`
}

// Normalizer applies a default exclusion list on top of the per-call one.
// The zero value excludes nothing. A Normalizer is never mutated by its
// methods and may be shared between goroutines.
type Normalizer struct {
	Exclude []string
}

// New returns a Normalizer that always drops the given parameter names.
func New(exclude ...string) Normalizer {
	return Normalizer{Exclude: append([]string(nil), exclude...)}
}

// Normalize is Normalizer.Normalize on the zero Normalizer.
func Normalize(raw string, excluded ...string) (string, error) {
	return Normalizer{}.Normalize(raw, excluded...)
}

// Inspect is Normalizer.Inspect on the zero Normalizer.
func Inspect(raw string, excluded ...string) (Result, error) {
	return Normalizer{}.Inspect(raw, excluded...)
}

// Normalize returns raw with its top-level domain replaced by ".gov" and its
// query reduced to the first occurrence of each parameter, minus excluded
// names.
func (n Normalizer) Normalize(raw string, excluded ...string) (string, error) {
	res, err := n.Inspect(raw, excluded...)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// Inspect normalizes raw and reports how it was decomposed. The URL is split
// at its first "?": the domain rewriter only sees the text before it and
// parameters are only read from the text after it.
func (n Normalizer) Inspect(raw string, excluded ...string) (Result, error) {
	head, query, _ := strings.Cut(raw, "?")

	domain, err := SplitDomain(head)
	if err != nil {
		return Result{}, err
	}
	domain.Top = TopLevelDomain

	params := DedupeParams(ExtractParams(query), n.exclusions(excluded))
	if params == nil {
		params = []Param{}
	}

	return Result{
		Input:  raw,
		URL:    domain.String() + EncodeQuery(params),
		Domain: domain,
		Params: params,
	}, nil
}

func (n Normalizer) exclusions(extra []string) []string {
	if len(n.Exclude) == 0 {
		return extra
	}
	if len(extra) == 0 {
		return n.Exclude
	}
	all := make([]string, 0, len(n.Exclude)+len(extra))
	all = append(all, n.Exclude...)
	return append(all, extra...)
}
