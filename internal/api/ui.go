package api

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pdfgen/internal/collection"
	"pdfgen/internal/merge"
)

var uiTemplates = template.Must(template.New("layout").Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>PDF generator</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px;width:100%}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
  </head>
<body>
  <header>
    <h1><a href="/">PDF generator</a></h1>
    <div class="muted">Collection status without JS</div>
  </header>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  {{if .Collection}}{{template "content-collection" .}}{{else}}{{template "content-home" .}}{{end}}
  <footer>
    <div>API base: <span class="mono">{{.Prefix}}</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "content-home"}}
  <div class="card">
    <h2>Open collection</h2>
    <form method="get" action="/ui/collections">
      <div class="row">
        <input type="text" name="id" placeholder="Collection ID" required />
        <button class="btn" type="submit">Open</button>
      </div>
    </form>
    <div class="muted">GET {{.Prefix}}/v2/status/{id}</div>
  </div>
{{end}}

{{define "content-collection"}}
  <div class="card">
    <h2>Collection <span class="mono">{{.Collection.ID}}</span></h2>
    <div>Status: <span class="status">{{.Collection.Status}}</span></div>
    <div class="muted">Components: {{len .Collection.Components}} of {{if .Collection.ExpectedLength}}{{.Collection.ExpectedLength}}{{else}}?{{end}}{{if .TotalPages}} · {{.TotalPages}} pages{{end}}</div>
    <div class="muted">Created at: {{.Collection.CreatedAt}}</div>
    {{if .Collection.Error}}<div class="muted">Error: {{.Collection.Error}}</div>{{end}}
  </div>

  <div class="card">
    <h3>Components</h3>
    {{if .Components}}
      <ul class="list">
      {{range .Components}}
        <li>
          <div>#{{.Position}} <span class="mono">{{.ID}}</span></div>
          <div class="muted">{{.Status}}{{if .StorageKey}} · {{.StorageKey}}{{end}}{{if .PageCount}} · {{.PageCount}} pages{{end}}{{if .Error}} · error: {{.Error}}{{end}}</div>
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No components yet</div>
    {{end}}
  </div>

  <div class="card">
    <h3>Download</h3>
    <div>
      {{if .Collection.ArtifactKey}}
      <a class="btn" href="{{.Prefix}}/v2/download/{{.Collection.ID}}">Download PDF</a>
      {{end}}
      <a class="btn secondary" href="/ui/collections/{{.Collection.ID}}">Refresh</a>
    </div>
    <div class="muted">GET {{.Prefix}}/v2/download/{{.Collection.ID}}</div>
  </div>
{{end}}
`))

type uiComponent struct {
	collection.Component
	Position  int
	PageCount int
}

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.GET("/ui/collections", a.UIOpenExisting)
	router.GET("/ui/collections/:id", a.UICollection)
}

// UIHome renders the home page
func (a *API) UIHome(c *gin.Context) {
	c.HTML(http.StatusOK, "layout", gin.H{"Prefix": a.prefix})
}

// UIOpenExisting redirects to the collection page by id
func (a *API) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.Redirect(http.StatusFound, "/ui/collections/"+id)
}

// UICollection renders a collection page with components in merge order
func (a *API) UICollection(c *gin.Context) {
	id := c.Param("id")
	col, err := a.registry.Get(id)
	if err != nil {
		c.HTML(http.StatusNotFound, "layout", gin.H{"Prefix": a.prefix, "Error": "collection not found"})
		return
	}

	sorted := merge.SortComponents(col.Components)
	components := make([]uiComponent, len(sorted))
	for i, comp := range sorted {
		components[i] = uiComponent{Component: comp, Position: i + 1}
		if comp.PageCount != nil {
			components[i].PageCount = *comp.PageCount
		}
	}
	c.HTML(http.StatusOK, "layout", gin.H{
		"Prefix":     a.prefix,
		"Collection": &col,
		"Components": components,
		"TotalPages": a.registry.TotalPages(id),
	})
}
