// Package extract turns raw fetch responses into identified content
// items. Parsing knowledge lives here, behind per-publisher adapters
// selected by name in the source configuration.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Options carries adapter-specific settings from the source config.
type Options map[string]string

// New builds the named adapter.
func New(name string, opts Options) (watch.Extractor, error) {
	switch name {
	case "json-feed", "":
		return NewJSONFeed(opts), nil
	case "html-list":
		return NewHTMLList(opts)
	default:
		return nil, fmt.Errorf("unknown extractor adapter %q", name)
	}
}

func (o Options) get(key, fallback string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return fallback
}

// cashtagPattern matches $TICKER style symbols in free text.
var cashtagPattern = regexp.MustCompile(`\$([A-Z]{1,6})(?:\b|$)`)

// cashtags pulls ticker symbols out of text, deduplicated in order of
// first appearance.
func cashtags(text string) []string {
	matches := cashtagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		ticker := strings.ToUpper(m[1])
		if _, ok := seen[ticker]; ok {
			continue
		}
		seen[ticker] = struct{}{}
		out = append(out, ticker)
	}
	return out
}
