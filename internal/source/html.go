package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"bandi/internal/config"
	"bandi/internal/model"
	"bandi/internal/textnorm"
)

// HTMLAdapter parses listing pages with the CSS selectors of its definition.
type HTMLAdapter struct {
	def    config.SourceDefinition
	sel    config.HTMLSelectors
	client *Client
}

func NewHTMLAdapter(def config.SourceDefinition, client *Client) *HTMLAdapter {
	a := &HTMLAdapter{def: def, client: client}
	if def.HTML != nil {
		a.sel = *def.HTML
	}
	return a
}

func (a *HTMLAdapter) Name() string { return a.def.Name }

func (a *HTMLAdapter) Fetch(ctx context.Context, req Request) ([]model.RawCandidate, error) {
	var out []model.RawCandidate
	for page := 1; page <= maxPages(a.def); page++ {
		pageURL := listingURL(a.def.URL, page, req.Keywords)
		body, err := a.client.Get(ctx, pageURL, req)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}
		items, err := a.parse(pageURL, body)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}
		if len(items) == 0 {
			break
		}
		out = append(out, items...)
	}
	return out, nil
}

func (a *HTMLAdapter) parse(pageURL string, body []byte) ([]model.RawCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)
	var out []model.RawCandidate
	doc.Find(a.sel.Item).Each(func(_ int, s *goquery.Selection) {
		title := selectionText(s.Find(a.sel.Title).First())
		if title == "" {
			return
		}
		c := model.RawCandidate{
			Title:       title,
			Link:        resolveLink(base, a.linkOf(s)),
			Body:        a.field(s, a.sel.Body),
			Issuer:      a.field(s, a.sel.Issuer),
			Category:    a.field(s, a.sel.Category),
			Amount:      a.field(s, a.sel.Amount),
			DeadlineRaw: a.field(s, a.sel.Deadline),
		}
		if c.Issuer == "" {
			c.Issuer = a.def.Issuer
		}
		out = append(out, c)
	})
	return out, nil
}

func (a *HTMLAdapter) field(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return selectionText(s.Find(selector).First())
}

func (a *HTMLAdapter) linkOf(s *goquery.Selection) string {
	sel := s.Find("a[href]").First()
	if a.sel.Link != "" {
		sel = s.Find(a.sel.Link).First()
	}
	if sel.Length() == 0 && goquery.NodeName(s) == "a" {
		sel = s
	}
	href, _ := sel.Attr("href")
	return strings.TrimSpace(href)
}

func resolveLink(base *url.URL, href string) string {
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// selectionText renders the visible text of a selection with block boundaries kept as spaces.
func selectionText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		writeText(&b, n)
	}
	return textnorm.Clean(b.String())
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		case "br", "p", "div", "li", "td", "th", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "dd", "dt":
			b.WriteByte(' ')
			defer b.WriteByte(' ')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}

func maxPages(def config.SourceDefinition) int {
	if def.MaxPages <= 0 {
		return 1
	}
	return def.MaxPages
}

// listingURL fills the {page} and {keywords} placeholders of a listing URL template.
func listingURL(tmpl string, page int, keywords []string) string {
	u := strings.ReplaceAll(tmpl, "{page}", strconv.Itoa(page))
	if strings.Contains(u, "{keywords}") {
		u = strings.ReplaceAll(u, "{keywords}", url.QueryEscape(strings.Join(keywords, " ")))
	}
	return u
}
