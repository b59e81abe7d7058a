// Package docs renders the embedded operator and API reference pages.
package docs

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed pages/*.md
var pagesFS embed.FS

// Page describes a single documentation page for the index.
type Page struct {
	Slug  string
	Title string
}

// pageOrder defines the index order and metadata.
var pageOrder = []Page{
	{"getting-started", "Getting Started"},
	{"api", "API Reference"},
	{"tracking", "Visit Tracking"},
	{"configuration", "Configuration"},
}

// Pages returns the ordered list of documentation pages.
func Pages() []Page {
	return pageOrder
}

var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.DefinitionList,
		extension.Typographer,
	),
)

var (
	cache   = make(map[string]template.HTML)
	cacheMu sync.RWMutex
)

// Render returns the HTML for a documentation page, caching the result.
func Render(slug string) (template.HTML, error) {
	cacheMu.RLock()
	if html, ok := cache[slug]; ok {
		cacheMu.RUnlock()
		return html, nil
	}
	cacheMu.RUnlock()

	data, err := pagesFS.ReadFile("pages/" + slug + ".md")
	if err != nil {
		return "", fmt.Errorf("doc %q not found", slug)
	}

	// The leading "# Title" line is shown in the page header.
	if i := bytes.IndexByte(data, '\n'); i > 0 && bytes.HasPrefix(data, []byte("# ")) {
		data = data[i+1:]
	}

	var buf bytes.Buffer
	if err := md.Convert(data, &buf); err != nil {
		return "", fmt.Errorf("rendering %q: %w", slug, err)
	}

	// Rewrite cross-doc links: (slug) or (slug.md) to (/docs/slug)
	html := buf.String()
	for _, p := range pageOrder {
		html = strings.ReplaceAll(html, `href="`+p.Slug+`.md"`, `href="/docs/`+p.Slug+`"`)
		html = strings.ReplaceAll(html, `href="`+p.Slug+`"`, `href="/docs/`+p.Slug+`"`)
	}

	result := template.HTML(html)

	cacheMu.Lock()
	cache[slug] = result
	cacheMu.Unlock()

	return result, nil
}

var pageTmpl = template.Must(template.New("doc").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Current.Title}} · visitstats</title>
<style>
body{font:16px/1.6 system-ui,sans-serif;margin:0;display:flex;color:#1f2328}
nav{min-width:14rem;padding:1.5rem;background:#f6f8fa;border-right:1px solid #d0d7de}
nav a{display:block;padding:.25rem 0;color:#0969da;text-decoration:none}
nav a[aria-current]{font-weight:600;color:#1f2328}
main{padding:1.5rem 2.5rem;max-width:52rem}
pre,code{background:#f6f8fa;border-radius:4px}
pre{padding:.75rem;overflow-x:auto}
table{border-collapse:collapse}
td,th{border:1px solid #d0d7de;padding:.3rem .6rem;text-align:left}
</style>
</head>
<body>
<nav>
{{- range .Pages}}
<a href="/docs/{{.Slug}}"{{if eq .Slug $.Current.Slug}} aria-current="page"{{end}}>{{.Title}}</a>
{{- end}}
</nav>
<main>
<h1>{{.Current.Title}}</h1>
{{.Content}}
</main>
</body>
</html>
`))

// --- GET /docs/{page...} ---

type Handler struct{}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(r.PathValue("page"), "/")
	if slug == "" {
		slug = pageOrder[0].Slug
	}

	var current *Page
	for i := range pageOrder {
		if pageOrder[i].Slug == slug {
			current = &pageOrder[i]
			break
		}
	}
	if current == nil {
		http.NotFound(w, r)
		return
	}

	content, err := Render(slug)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, struct {
		Pages   []Page
		Current Page
		Content template.HTML
	}{pageOrder, *current, content}); err != nil {
		http.Error(w, "rendering page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
