package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var storyTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/story.html")
	if err != nil {
		// Fallback to built-in template if file not found
		storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for story template rendering.
type TemplateData struct {
	Title       string
	Description string
	AuthorName  string
	UpdatedAt   time.Time
	Chapters    []TemplateChapter
}

// TemplateChapter is one main-line chapter with its branches nested below it.
type TemplateChapter struct {
	Title    string
	Content  string
	Order    int
	Branches []TemplateBranch
}

// TemplateBranch is an alternate take on its parent chapter.
type TemplateBranch struct {
	Title   string
	Content string
}

// RenderStoryHTML renders the story template with provided data.
func RenderStoryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.7; max-width: 700px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .chapter { page-break-before: always; }
    .branch { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .content { white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">by {{.AuthorName}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}</div>
  {{range .Chapters}}
  <div class="chapter">
    <h2>Chapter {{.Order}}: {{.Title}}</h2>
    <div class="content">{{.Content}}</div>
    {{range .Branches}}
    <div class="branch">
      <h3>Branch: {{.Title}}</h3>
      <div class="content">{{.Content}}</div>
    </div>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
