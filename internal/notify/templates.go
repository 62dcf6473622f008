package notify

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// TemplateData is what a template sees.
type TemplateData struct {
	RecipientName  string
	PatientName    string
	ForPatient     bool
	MedicationName string
	Dosage         string
	ScheduledAt    string
	Text           string
	Details        map[string]any
}

// Templates renders a subject and body per notification type. Every file
// under templates/ defines a "subject" and a "body" template.
type Templates struct {
	byType map[Type]*template.Template
}

func LoadTemplates() (*Templates, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	t := &Templates{byType: make(map[Type]*template.Template, len(entries))}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		tmpl, err := template.New(name).Option("missingkey=zero").ParseFS(templateFS, "templates/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		t.byType[Type(name)] = tmpl
	}
	return t, nil
}

func (t *Templates) Render(typ Type, data TemplateData) (subject, body string, err error) {
	tmpl, ok := t.byType[typ]
	if !ok {
		return "", "", fmt.Errorf("no template for %q", typ)
	}
	var sb, bb bytes.Buffer
	if err := tmpl.ExecuteTemplate(&sb, "subject", data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", typ, err)
	}
	if err := tmpl.ExecuteTemplate(&bb, "body", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", typ, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(bb.String()), nil
}

// formatLocal renders an instant the way recipients read it on their phone.
func formatLocal(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("Mon Jan 2 15:04 MST")
}
