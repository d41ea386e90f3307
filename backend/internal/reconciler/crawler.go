// Package reconciler keeps the mirror registry aligned with the upstream
// mirror listing: it crawls the published HTML table and applies the
// add/disable/re-enable algorithm to the store.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html"

	"github.com/openzim/mirrors-qa/backend/pkg/locations"
)

// CrawledMirror is one usable row of the upstream mirror listing. The ID is
// the host name of the download URL.
type CrawledMirror struct {
	ID      string
	BaseURL string
	Country locations.Country
}

// Crawler fetches and parses the upstream mirror listing.
type Crawler struct {
	log      *slog.Logger
	url      string
	excluded map[string]struct{}
	client   *http.Client
	retries  uint64
}

func NewCrawler(log *slog.Logger, listURL string, excluded []string) (*Crawler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if listURL == "" {
		return nil, errors.New("mirror list url is required")
	}
	ex := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		ex[id] = struct{}{}
	}
	return &Crawler{
		log:      log,
		url:      listURL,
		excluded: ex,
		client:   &http.Client{Timeout: 30 * time.Second},
		retries:  3,
	}, nil
}

// Crawl fetches the listing, retrying transient failures, and returns the
// mirrors it advertises.
func (c *Crawler) Crawl(ctx context.Context) ([]CrawledMirror, error) {
	var mirrors []CrawledMirror
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.log.Warn("mirror list fetch failed", "url", c.url, "error", err)
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %d fetching mirror list", resp.StatusCode)
			c.log.Warn("mirror list fetch failed", "url", c.url, "error", err)
			return err
		}
		parsed, err := c.parse(resp.Body)
		if err != nil {
			// Markup problems will not heal on retry.
			return backoff.Permanent(err)
		}
		mirrors = parsed
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		CrawlErrorsTotal.Inc()
		return nil, fmt.Errorf("failed to crawl mirror list: %w", err)
	}
	return mirrors, nil
}

// parse extracts mirrors from the listing table. Region separator rows,
// rows pointing at excluded hosts, and rows whose country label does not
// resolve to a known country are skipped.
func (c *Crawler) parse(r io.Reader) ([]CrawledMirror, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mirror list markup: %w", err)
	}
	body := findElement(doc, "tbody")
	if body == nil {
		return nil, errors.New("mirror list markup has no table body, layout may have changed")
	}

	mirrors := []CrawledMirror{}
	for row := body.FirstChild; row != nil; row = row.NextSibling {
		if row.Type != html.ElementNode || row.Data != "tr" {
			continue
		}
		if hasRegionSeparator(row) {
			continue
		}

		href := httpLink(row)
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil || u.Hostname() == "" {
			c.log.Warn("skipping mirror with unusable base url", "url", href)
			continue
		}
		id := u.Hostname()
		if _, ok := c.excluded[id]; ok {
			c.log.Debug("skipping excluded mirror", "mirror", id)
			continue
		}

		name := countryLabel(row)
		country, ok := locations.ByName(name)
		if !ok {
			c.log.Warn("skipping mirror with unrecognized country", "mirror", id, "country", name)
			continue
		}

		mirrors = append(mirrors, CrawledMirror{ID: id, BaseURL: href, Country: country})
	}
	return mirrors, nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// hasRegionSeparator reports whether the row is a region heading rather than
// a mirror entry.
func hasRegionSeparator(row *html.Node) bool {
	for cell := row.FirstChild; cell != nil; cell = cell.NextSibling {
		if cell.Type == html.ElementNode && cell.Data == "td" &&
			strings.Contains(attrVal(cell, "class"), "newregion") {
			return true
		}
	}
	return false
}

// httpLink returns the target of the row's anchor labeled HTTP, if any.
func httpLink(row *html.Node) string {
	var href string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "a" && nodeText(n) == "HTTP" {
			href = attrVal(n, "href")
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(row)
	return href
}

// countryLabel returns the text that follows the row's flag image.
func countryLabel(row *html.Node) string {
	img := findElement(row, "img")
	if img == nil {
		return ""
	}
	for sib := img.NextSibling; sib != nil; sib = sib.NextSibling {
		var text string
		if sib.Type == html.TextNode {
			text = strings.TrimSpace(sib.Data)
		} else {
			text = nodeText(sib)
		}
		if text != "" {
			return text
		}
	}
	return ""
}
