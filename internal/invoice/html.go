package invoice

import (
	"embed"
	"html/template"
)

//go:embed static/connected.html
var staticFS embed.FS

// connectedPage confirms a finished OAuth flow in the browser tab
var connectedPage = template.Must(template.ParseFS(staticFS, "static/connected.html"))
