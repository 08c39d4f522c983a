package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"bandi/internal/model"
)

// MatchItem is one ranked announcement inside a message.
type MatchItem struct {
	Announcement model.Announcement
	Score        float64
	Reasoning    string
}

type NewMatchesData struct {
	Recipient string
	Matches   []MatchItem
}

type DeadlineData struct {
	Recipient    string
	Announcement model.Announcement
	DaysLeft     int
}

type DigestData struct {
	Recipient   string
	Week        string
	NewCount    int
	OpenCount   int
	TotalAmount float64
	Top         []MatchItem
}

type RunReportData struct {
	Config        string
	Summary       model.RunSummary
	Announcements []model.Announcement
}

// Renderer turns alert data into subject, text and HTML bodies.
type Renderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
	loc  *time.Location
}

func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{loc: loc}
	funcs := map[string]any{
		"date":  r.formatDate,
		"euro":  formatEuro,
		"score": func(s float64) string { return fmt.Sprintf("%.0f%%", s*100) },
		"inc":   func(i int) int { return i + 1 },
	}
	r.text = texttemplate.Must(texttemplate.New("text").Funcs(funcs).Parse(textTemplates))
	r.html = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(htmlTemplates))
	return r
}

func (r *Renderer) formatDate(t *time.Time) string {
	if t == nil {
		return "non indicata"
	}
	return t.In(r.loc).Format("02/01/2006")
}

func formatEuro(v float64) string {
	return message.NewPrinter(language.Italian).Sprintf("€ %.2f", v)
}

func (r *Renderer) render(name, subject string, data any) (*Message, error) {
	var text, html bytes.Buffer
	if err := r.text.ExecuteTemplate(&text, name, data); err != nil {
		return nil, fmt.Errorf("render %s text: %w", name, err)
	}
	if err := r.html.ExecuteTemplate(&html, name, data); err != nil {
		return nil, fmt.Errorf("render %s html: %w", name, err)
	}
	return &Message{Subject: subject, Text: strings.TrimSpace(text.String()) + "\n", HTML: html.String()}, nil
}

func (r *Renderer) NewMatches(d NewMatchesData) (*Message, error) {
	subject := fmt.Sprintf("%d nuovi bandi in linea con il tuo profilo", len(d.Matches))
	if len(d.Matches) == 1 {
		subject = "Nuovo bando: " + d.Matches[0].Announcement.Title
	}
	return r.render("new_matches", subject, d)
}

func (r *Renderer) Deadline(d DeadlineData) (*Message, error) {
	when := fmt.Sprintf("tra %d giorni", d.DaysLeft)
	if d.DaysLeft == 1 {
		when = "domani"
	}
	return r.render("deadline", fmt.Sprintf("Scadenza %s: %s", when, d.Announcement.Title), d)
}

func (r *Renderer) Digest(d DigestData) (*Message, error) {
	return r.render("digest", "Riepilogo settimanale bandi "+d.Week, d)
}

func (r *Renderer) RunReport(d RunReportData) (*Message, error) {
	return r.render("run_report", fmt.Sprintf("[%s] %d nuovi bandi trovati", d.Config, d.Summary.New), d)
}
