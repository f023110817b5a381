package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/page.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("page.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/page.html"))

type TemplateData struct {
	Title       string
	Icon        string
	SpaceName   string
	Breadcrumbs []string
	Version     string
	UpdatedAt   time.Time
	ContentHTML template.HTML
	Threads     []TemplateThread
}

type TemplateThread struct {
	Author    string
	Text      string
	Selection string
	Resolved  bool
	Replies   []TemplateReply
}

type TemplateReply struct {
	Author string
	Text   string
}

func RenderPageHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
