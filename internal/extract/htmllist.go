package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// HTMLList scrapes a listing page: one CSS selector picks the item
// nodes, others pick the link and title within each item. The item's
// identity is its resolved link URL unless an id attribute is named.
type HTMLList struct {
	itemSelector  string
	linkSelector  string
	titleSelector string
	idAttr        string
}

// NewHTMLList builds the adapter; the item selector is mandatory.
func NewHTMLList(opts Options) (*HTMLList, error) {
	item := opts.get("item", "")
	if item == "" {
		return nil, fmt.Errorf("html-list adapter needs an %q option", "item")
	}
	return &HTMLList{
		itemSelector:  item,
		linkSelector:  opts.get("link", "a"),
		titleSelector: opts.get("title", ""),
		idAttr:        opts.get("id_attr", ""),
	}, nil
}

// Extract parses the rendered page and walks the item nodes.
func (h *HTMLList) Extract(response watch.FetchResponse) ([]watch.FetchedItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(response.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(response.FinalURL)

	var items []watch.FetchedItem
	doc.Find(h.itemSelector).Each(func(_ int, node *goquery.Selection) {
		link := node.Find(h.linkSelector).First()
		href, _ := link.Attr("href")
		href = resolveURL(base, href)

		identity := href
		if h.idAttr != "" {
			if id, ok := node.Attr(h.idAttr); ok && id != "" {
				identity = id
			}
		}
		if identity == "" {
			return
		}

		title := strings.TrimSpace(link.Text())
		if h.titleSelector != "" {
			title = strings.TrimSpace(node.Find(h.titleSelector).First().Text())
		}

		items = append(items, watch.FetchedItem{
			Identity: identity,
			Tickers:  cashtags(title),
			Excerpt:  title,
			URL:      href,
		})
	})
	return items, nil
}

func resolveURL(base *url.URL, href string) string {
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
