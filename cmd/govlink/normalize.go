package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"govlink/internal/httpx"
	"govlink/internal/urlnorm"
)

type normalizeOptions struct {
	exclude     []string
	excludeFile string
	json        bool
}

func newNormalizeCmd() *cobra.Command {
	var opts normalizeOptions

	cmd := &cobra.Command{
		Use:   "normalize [url...]",
		Short: "Normalize URLs given as arguments or one per line on stdin",
		Long: `Normalize prints the canonical form of every input URL, one per line.
Inputs that have no top-level domain are reported on stderr; the remaining
inputs are still processed and the command exits with a non-zero status.

Examples:
  govlink normalize "https://example.com/?a=1&A=2"
  govlink normalize --exclude utm_source --exclude gclid,fbclid <url>
  govlink normalize --json < urls.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, opts, args)
		},
	}

	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "Parameter names to drop (repeatable, comma separated)")
	cmd.Flags().StringVar(&opts.excludeFile, "exclude-file", "", "YAML file with an exclude list")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the full result as JSON lines")
	return cmd
}

func runNormalize(cmd *cobra.Command, opts normalizeOptions, args []string) error {
	exclude := opts.exclude
	if opts.excludeFile != "" {
		names, err := httpx.LoadExcludeFile(opts.excludeFile)
		if err != nil {
			return fmt.Errorf("read exclude file: %w", err)
		}
		exclude = append(exclude, names...)
	}
	n := urlnorm.New(exclude...)

	out := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	var total, malformed int
	handle := func(raw string) error {
		total++
		res, err := n.Inspect(raw)
		if err != nil {
			if !errors.Is(err, urlnorm.ErrMalformedURL) {
				return err
			}
			malformed++
			fmt.Fprintln(stderr, err)
			return nil
		}
		if opts.json {
			return enc.Encode(res)
		}
		_, err = fmt.Fprintln(out, res.URL)
		return err
	}

	if len(args) > 0 {
		for _, raw := range args {
			if err := handle(raw); err != nil {
				return err
			}
		}
	} else if err := eachLine(cmd.InOrStdin(), handle); err != nil {
		return err
	}

	if malformed > 0 {
		return fmt.Errorf("%d of %d inputs malformed", malformed, total)
	}
	return nil
}

// eachLine calls fn for every non-blank line of r.
func eachLine(r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
