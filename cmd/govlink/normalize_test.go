package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"govlink/internal/urlnorm"
)

func runCLI(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestNormalizeArgs(t *testing.T) {
	out, stderr, err := runCLI(t, "",
		"normalize",
		"https://example.com/?a=1&A=2&utm_source=x",
		"www.ex.org",
	)
	if err != nil {
		t.Fatalf("normalize error = %v (stderr %q)", err, stderr)
	}
	want := "https://example.gov/?a=1&utm_source=x\nwww.ex.gov\n"
	if out != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
}

func TestNormalizeExcludeFlag(t *testing.T) {
	cases := map[string][]string{
		"repeated": {"--exclude", "utm_source", "--exclude", "gclid"},
		"comma":    {"--exclude", "utm_source,GCLID"},
	}
	for name, flags := range cases {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"normalize"}, flags...)
			args = append(args, "http://a.b.com/p?utm_source=x&id=1&gclid=2")
			out, _, err := runCLI(t, "", args...)
			if err != nil {
				t.Fatalf("normalize error = %v", err)
			}
			if want := "http://a.b.gov/p?id=1\n"; out != want {
				t.Fatalf("stdout = %q, want %q", out, want)
			}
		})
	}
}

func TestNormalizeExcludeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclude.yaml")
	if err := os.WriteFile(path, []byte("exclude:\n  - fbclid\n"), 0o600); err != nil {
		t.Fatalf("write exclude file: %v", err)
	}

	out, _, err := runCLI(t, "", "normalize", "--exclude-file", path, "site.net?fbclid=1&q=go")
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	if want := "site.gov?q=go\n"; out != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
}

func TestNormalizeMissingExcludeFile(t *testing.T) {
	_, _, err := runCLI(t, "", "normalize", "--exclude-file", filepath.Join(t.TempDir(), "missing.yaml"), "a.com")
	if err == nil || !strings.Contains(err.Error(), "read exclude file") {
		t.Fatalf("error = %v, want exclude file failure", err)
	}
}

func TestNormalizeStdin(t *testing.T) {
	in := "https://one.com/?x=1&X=2\n\n  two.io/path  \r\nthree.co.uk?b=&b=3\n"
	out, _, err := runCLI(t, in, "normalize")
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	want := "https://one.gov/?x=1\ntwo.gov/path\nthree.co.gov?b=\n"
	if out != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
}

func TestNormalizeMalformedContinues(t *testing.T) {
	out, stderr, err := runCLI(t, "", "normalize", "localhost", "a.com", "")
	if err == nil {
		t.Fatalf("expected error for malformed inputs")
	}
	if want := "2 of 3 inputs malformed"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
	if out != "a.gov\n" {
		t.Fatalf("stdout = %q, want %q", out, "a.gov\n")
	}
	if lines := strings.Count(stderr, "\n"); lines != 2 {
		t.Fatalf("stderr has %d lines, want 2: %q", lines, stderr)
	}
	if !strings.Contains(stderr, `"localhost"`) {
		t.Fatalf("stderr = %q, want offending input", stderr)
	}
}

func TestNormalizeJSON(t *testing.T) {
	out, _, err := runCLI(t, "", "normalize", "--json", "HTTP://Example.COM/x?k=v&K=w")
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}

	var got urlnorm.Result
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.URL != "HTTP://Example.gov/x?k=v" {
		t.Fatalf("url = %q", got.URL)
	}
	if got.Domain.Scheme != "HTTP://" || got.Domain.Lower != "Example" || got.Domain.Rest != "/x" {
		t.Fatalf("domain = %+v", got.Domain)
	}
	if len(got.Params) != 1 || got.Params[0] != (urlnorm.Param{Name: "k", Value: "v"}) {
		t.Fatalf("params = %+v", got.Params)
	}
	if got.Input != "HTTP://Example.COM/x?k=v&K=w" {
		t.Fatalf("input = %q", got.Input)
	}
}
