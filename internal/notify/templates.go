package notify

const textTemplates = `
{{define "item"}}- {{.Title}}
  Ente: {{if .Issuer}}{{.Issuer}}{{else}}n.d.{{end}}
  Scadenza: {{date .Deadline}}{{if .Amount}}
  Importo: {{.Amount}}{{end}}
  {{.Link}}
{{end}}

{{define "new_matches"}}Ciao {{.Recipient}},
abbiamo trovato nuovi bandi in linea con il tuo profilo.
{{range $i, $m := .Matches}}
{{inc $i}}. {{$m.Announcement.Title}} (pertinenza {{score $m.Score}})
{{template "item" $m.Announcement}}  {{$m.Reasoning}}
{{end}}{{end}}

{{define "deadline"}}Ciao {{.Recipient}},
il bando che stai seguendo scade {{if eq .DaysLeft 1}}domani{{else}}tra {{.DaysLeft}} giorni{{end}}.

{{template "item" .Announcement}}{{end}}

{{define "digest"}}Ciao {{.Recipient}},
ecco il riepilogo della settimana {{.Week}}.

Nuovi bandi: {{.NewCount}}
Bandi aperti: {{.OpenCount}}
Dotazione complessiva: {{euro .TotalAmount}}
{{if .Top}}
I bandi più adatti a te:
{{range $i, $m := .Top}}
{{inc $i}}. {{$m.Announcement.Title}} (pertinenza {{score $m.Score}})
{{template "item" $m.Announcement}}{{end}}{{end}}{{end}}

{{define "run_report"}}Configurazione: {{.Config}}
Bandi trovati: {{.Summary.Found}}
Nuovi bandi: {{.Summary.New}}
Errori: {{.Summary.Errors}}
{{range .Announcements}}
{{template "item" .}}{{end}}{{end}}
`

const htmlTemplates = `
{{define "style"}}<style>
  body { margin: 0; padding: 24px; background-color: #f3f4f6; font-family: -apple-system, "Segoe UI", Roboto, sans-serif; color: #111827; line-height: 1.5; }
  .container { max-width: 640px; margin: 0 auto; background: #ffffff; border-radius: 8px; border: 1px solid #e5e7eb; overflow: hidden; }
  .header { padding: 20px 24px; background: #1e3a5f; color: #ffffff; font-size: 18px; font-weight: 600; }
  .section { padding: 16px 24px; border-top: 1px solid #e5e7eb; }
  .meta { font-size: 13px; color: #4b5563; }
  .score { display: inline-block; padding: 2px 8px; font-size: 11px; border-radius: 4px; background: #059669; color: #ffffff; }
  a { color: #1d4ed8; }
</style>{{end}}

{{define "item"}}<div class="section">
  <a href="{{.Link}}"><strong>{{.Title}}</strong></a>
  <div class="meta">Ente: {{if .Issuer}}{{.Issuer}}{{else}}n.d.{{end}} · Scadenza: {{date .Deadline}}{{if .Amount}} · Importo: {{.Amount}}{{end}}</div>
</div>{{end}}

{{define "new_matches"}}<!DOCTYPE html>
<html><head><meta charset="UTF-8" />{{template "style"}}</head>
<body><div class="container">
<div class="header">Nuovi bandi per {{.Recipient}}</div>
{{range .Matches}}{{template "item" .Announcement}}<div class="meta" style="padding: 0 24px 12px"><span class="score">{{score .Score}}</span> {{.Reasoning}}</div>
{{end}}</div></body></html>{{end}}

{{define "deadline"}}<!DOCTYPE html>
<html><head><meta charset="UTF-8" />{{template "style"}}</head>
<body><div class="container">
<div class="header">Scadenza {{if eq .DaysLeft 1}}domani{{else}}tra {{.DaysLeft}} giorni{{end}}</div>
{{template "item" .Announcement}}
</div></body></html>{{end}}

{{define "digest"}}<!DOCTYPE html>
<html><head><meta charset="UTF-8" />{{template "style"}}</head>
<body><div class="container">
<div class="header">Riepilogo settimana {{.Week}}</div>
<div class="section">
  <div>Nuovi bandi: <strong>{{.NewCount}}</strong></div>
  <div>Bandi aperti: <strong>{{.OpenCount}}</strong></div>
  <div>Dotazione complessiva: <strong>{{euro .TotalAmount}}</strong></div>
</div>
{{range .Top}}{{template "item" .Announcement}}{{end}}
</div></body></html>{{end}}

{{define "run_report"}}<!DOCTYPE html>
<html><head><meta charset="UTF-8" />{{template "style"}}</head>
<body><div class="container">
<div class="header">{{.Config}}: {{.Summary.New}} nuovi bandi</div>
<div class="section meta">Trovati {{.Summary.Found}} · Errori {{.Summary.Errors}}</div>
{{range .Announcements}}{{template "item" .}}{{end}}
</div></body></html>{{end}}
`
