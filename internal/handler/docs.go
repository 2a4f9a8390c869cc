package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"html/template"
	"net/http"
	"time"
)

// Docs serves the embedded OpenAPI document and a Swagger UI page pointing at it.
// Both bodies are fixed at startup, so responses carry a strong ETag and
// conditional requests get a 304.
type Docs struct {
	spec     []byte
	specETag string
	page     []byte
	pageETag string
	modified time.Time
}

var swaggerPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "{{.SpecPath}}",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout"
    });
  </script>
</body>
</html>`))

func NewDocs(spec []byte, specPath, title string, modified time.Time) *Docs {
	var page bytes.Buffer
	swaggerPage.Execute(&page, struct{ Title, SpecPath string }{title, specPath})

	return &Docs{
		spec:     spec,
		specETag: etag(spec),
		page:     page.Bytes(),
		pageETag: etag(page.Bytes()),
		modified: modified.UTC().Truncate(time.Second),
	}
}

func (d *Docs) Spec(w http.ResponseWriter, r *http.Request) {
	d.serve(w, r, "openapi.yaml", "application/yaml", d.spec, d.specETag)
}

func (d *Docs) Page(w http.ResponseWriter, r *http.Request) {
	d.serve(w, r, "docs.html", "text/html; charset=utf-8", d.page, d.pageETag)
}

func (d *Docs) serve(w http.ResponseWriter, r *http.Request, name, contentType string, body []byte, tag string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", tag)
	http.ServeContent(w, r, name, d.modified, bytes.NewReader(body))
}

func etag(b []byte) string {
	sum := sha256.Sum256(b)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}
