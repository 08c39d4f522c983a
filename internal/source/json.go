package source

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"bandi/internal/config"
	"bandi/internal/model"
	"bandi/internal/textnorm"
)

var errInvalidJSON = errors.New("response is not valid JSON")

// JSONAdapter reads listings from JSON APIs using gjson paths.
type JSONAdapter struct {
	def    config.SourceDefinition
	paths  config.JSONPaths
	client *Client
}

func NewJSONAdapter(def config.SourceDefinition, client *Client) *JSONAdapter {
	a := &JSONAdapter{def: def, client: client}
	if def.JSON != nil {
		a.paths = *def.JSON
	}
	return a
}

func (a *JSONAdapter) Name() string { return a.def.Name }

func (a *JSONAdapter) Fetch(ctx context.Context, req Request) ([]model.RawCandidate, error) {
	var out []model.RawCandidate
	for page := 1; page <= maxPages(a.def); page++ {
		pageURL := listingURL(a.def.URL, page, req.Keywords)
		body, err := a.client.Get(ctx, pageURL, req)
		if err == nil && !gjson.ValidBytes(body) {
			err = errInvalidJSON
		}
		if err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}
		items := a.parse(pageURL, body)
		if len(items) == 0 {
			break
		}
		out = append(out, items...)
	}
	return out, nil
}

func (a *JSONAdapter) parse(pageURL string, body []byte) []model.RawCandidate {
	base, _ := url.Parse(pageURL)
	var out []model.RawCandidate
	gjson.GetBytes(body, a.paths.Items).ForEach(func(_, item gjson.Result) bool {
		title := textnorm.Clean(item.Get(a.paths.Title).String())
		if title == "" {
			return true
		}
		c := model.RawCandidate{
			Title:       title,
			Link:        resolveLink(base, a.str(item, a.paths.Link)),
			Body:        a.str(item, a.paths.Body),
			Issuer:      a.str(item, a.paths.Issuer),
			Category:    a.str(item, a.paths.Category),
			Amount:      a.str(item, a.paths.Amount),
			DeadlineRaw: a.str(item, a.paths.Deadline),
		}
		if c.Issuer == "" {
			c.Issuer = a.def.Issuer
		}
		out = append(out, c)
		return true
	})
	return out
}

func (a *JSONAdapter) str(item gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	v := item.Get(path)
	if v.IsArray() {
		var parts []string
		for _, p := range v.Array() {
			if p.String() != "" {
				parts = append(parts, p.String())
			}
		}
		return textnorm.Clean(strings.Join(parts, ", "))
	}
	return textnorm.Clean(v.String())
}
