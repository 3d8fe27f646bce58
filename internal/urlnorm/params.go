package urlnorm

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var paramPattern = regexp.MustCompile(`([^?&=]*?)=([^&=]*)`)

// Param is a single name=value pair taken verbatim from a query string.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (p Param) String() string {
	return p.Name + "=" + p.Value
}

// ExtractParams returns every name=value pair found in query, left to right.
// Fragments without an "=" are ignored and nothing is percent-decoded.
func ExtractParams(query string) []Param {
	matches := paramPattern.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return nil
	}
	params := make([]Param, 0, len(matches))
	for _, m := range matches {
		params = append(params, Param{Name: m[1], Value: m[2]})
	}
	return params
}

// DedupeParams keeps the first occurrence of every parameter name and drops
// every parameter named in excluded. Names are compared by their Unicode
// case fold; the retained pairs keep their original spelling and order.
func DedupeParams(params []Param, excluded []string) []Param {
	fold := cases.Fold()

	skip := make(map[string]struct{}, len(params)+len(excluded))
	for _, name := range excluded {
		skip[fold.String(name)] = struct{}{}
	}

	var out []Param
	for _, p := range params {
		key := fold.String(p.Name)
		if _, ok := skip[key]; ok {
			continue
		}
		skip[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// EncodeQuery serializes params as "?a=1&b=2". An empty list encodes to "".
func EncodeQuery(params []Param) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
