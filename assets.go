package main

import (
	"embed"
	"html/template"
	"io"
	"log"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed theme/*
var themeFS embed.FS

var (
	// Shell assets, loaded once at startup
	shellCSS  string
	shellJS   string
	shellTmpl *template.Template
)

// shellData fills theme/index.html.
type shellData struct {
	Home         string
	WebsocketURL string
	MarkdownCSS  string
	Interactive  bool
	StyleCSS     template.CSS
	ScriptJS     template.JS
}

func init() {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)

	shellCSS = loadMinified(m, "theme/smdv.css", "text/css")
	shellJS = loadMinified(m, "theme/smdv.js", "application/javascript")

	indexHTML, err := themeFS.ReadFile("theme/index.html")
	if err != nil {
		log.Fatalf("Failed to load index template: %v", err)
	}
	shellTmpl = template.Must(template.New("index").Parse(string(indexHTML)))
}

// loadMinified reads an embedded asset and minifies it, keeping the
// raw asset when the minifier rejects it.
func loadMinified(m *minify.M, name, mediaType string) string {
	raw, err := themeFS.ReadFile(name)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", name, err)
	}
	out, err := m.Bytes(mediaType, raw)
	if err != nil {
		log.Printf("minify warning: %s: %v (using raw asset)", name, err)
		return string(raw)
	}
	return string(out)
}

func renderShell(w io.Writer, data shellData) error {
	data.StyleCSS = template.CSS(shellCSS)
	data.ScriptJS = template.JS(shellJS)
	return shellTmpl.Execute(w, data)
}
