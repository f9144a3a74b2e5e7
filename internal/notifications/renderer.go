// Package notifications renders outbound email content and fans deliveries
// out to individual recipients with per-recipient failure isolation.
package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"quotebid/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// RenderedEmail holds pre-rendered email content ready for transmission.
type RenderedEmail struct {
	BodyHTML string
	BodyText string
}

// TemplateData is the struct passed into Go templates for rendering. Fields
// are pre-formatted strings; no money math or time math happens in templates.
type TemplateData struct {
	FirstName        string
	OpportunityTitle string
	PublicationName  string
	Deadline         string
	TimeLeft         string
	MinimumBid       string
	AmountCharged    string
	ArticleTitle     string
	ArticleURL       string
}

// templateFiles maps each email kind to its embedded template base name.
var templateFiles = map[types.EmailKind]string{
	types.EmailOpportunityAlert: "opportunity_alert",
	types.EmailDraftReminder:    "draft_reminder",
	types.EmailSavedReminder:    "saved_opportunity_reminder",
	types.EmailBillingSuccess:   "billing_success",
}

// Renderer performs email template rendering using Go's html/template and
// text/template over embedded template files.
type Renderer struct {
	htmlTemplates map[types.EmailKind]*template.Template
	textTemplates map[types.EmailKind]*texttemplate.Template
}

// NewRenderer parses the embedded templates and returns a Renderer.
// Returns an error if any template fails to parse.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[types.EmailKind]*template.Template),
		textTemplates: make(map[types.EmailKind]*texttemplate.Template),
	}

	for kind, base := range templateFiles {
		htmlTmpl, err := template.ParseFS(templateFS, "templates/"+base+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTML template for %s: %w", kind, err)
		}
		r.htmlTemplates[kind] = htmlTmpl

		textTmpl, err := texttemplate.ParseFS(templateFS, "templates/"+base+".txt")
		if err != nil {
			return nil, fmt.Errorf("failed to parse text template for %s: %w", kind, err)
		}
		r.textTemplates[kind] = textTmpl
	}

	return r, nil
}

// Render produces the HTML and plain-text bodies for the given email kind.
func (r *Renderer) Render(kind types.EmailKind, data TemplateData) (RenderedEmail, error) {
	htmlTmpl, ok := r.htmlTemplates[kind]
	if !ok {
		return RenderedEmail{}, fmt.Errorf("no template registered for email kind %q", kind)
	}

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("failed to render HTML body for %s: %w", kind, err)
	}

	var textBuf bytes.Buffer
	if err := r.textTemplates[kind].Execute(&textBuf, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("failed to render text body for %s: %w", kind, err)
	}

	return RenderedEmail{
		BodyHTML: htmlBuf.String(),
		BodyText: textBuf.String(),
	}, nil
}
