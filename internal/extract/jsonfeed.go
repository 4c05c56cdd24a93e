package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// JSONFeed parses API responses shaped as a JSON array of items, or an
// object wrapping one under a configurable key. Field names are
// configurable per source because no two publisher APIs agree on them.
type JSONFeed struct {
	itemsKey     string
	idField      string
	urlField     string
	excerptField string
	tickersField string
}

// NewJSONFeed builds the adapter from options. Defaults cover the common
// {"items": [{"id": ..., "title": ..., "url": ...}]} shape.
func NewJSONFeed(opts Options) *JSONFeed {
	return &JSONFeed{
		itemsKey:     opts.get("items_key", "items"),
		idField:      opts.get("id_field", "id"),
		urlField:     opts.get("url_field", "url"),
		excerptField: opts.get("excerpt_field", "title"),
		tickersField: opts.get("tickers_field", "tickers"),
	}
}

// Extract decodes the response body into content items.
func (j *JSONFeed) Extract(response watch.FetchResponse) ([]watch.FetchedItem, error) {
	raw := bytes.TrimSpace(response.Body)
	if len(raw) == 0 {
		return nil, nil
	}

	var entries []map[string]json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode item array: %w", err)
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		inner, ok := envelope[j.itemsKey]
		if !ok {
			return nil, fmt.Errorf("envelope has no %q key", j.itemsKey)
		}
		if err := json.Unmarshal(inner, &entries); err != nil {
			return nil, fmt.Errorf("decode %q array: %w", j.itemsKey, err)
		}
	}

	items := make([]watch.FetchedItem, 0, len(entries))
	for i, entry := range entries {
		identity, err := stringField(entry, j.idField)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if identity == "" {
			return nil, fmt.Errorf("item %d has no %q field", i, j.idField)
		}
		excerpt, _ := stringField(entry, j.excerptField)
		url, _ := stringField(entry, j.urlField)
		tickers := tickerField(entry, j.tickersField)
		if len(tickers) == 0 {
			tickers = cashtags(excerpt)
		}
		items = append(items, watch.FetchedItem{
			Identity: identity,
			Tickers:  tickers,
			Excerpt:  excerpt,
			URL:      url,
		})
	}
	return items, nil
}

// stringField reads a field as a string, accepting JSON numbers so
// numeric post ids keep their exact representation.
func stringField(entry map[string]json.RawMessage, field string) (string, error) {
	raw, ok := entry[field]
	if !ok {
		return "", nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", fmt.Errorf("field %q: %w", field, err)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("field %q is neither string nor number", field)
	}
}

func tickerField(entry map[string]json.RawMessage, field string) []string {
	raw, ok := entry[field]
	if !ok {
		return nil
	}
	var tickers []string
	if err := json.Unmarshal(raw, &tickers); err != nil {
		return nil
	}
	out := tickers[:0]
	for _, t := range tickers {
		t = strings.TrimSpace(strings.TrimPrefix(t, "$"))
		if t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}
