// Package render produces the human facing callback page. The bridge
// hands it a flat map of named values and gets bytes back; it knows
// nothing about templates.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"sync"

	"github.com/Masterminds/sprig/v3"
)

// Template variable names.
const (
	VarClientID     = "client_id"
	VarClientSecret = "client_secret"
	VarError        = "error"
	VarDescription  = "description"
	VarState        = "state"
)

// DefaultTemplate hands the minted credentials to the user with forms
// that exercise the token and revoke endpoints.
const DefaultTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>OAuth Client Bridge</title>
</head>
<body>
{{- if .error }}
<p class="error"><strong>{{ .error }}</strong>{{ with .description }}: {{ . }}{{ end }}</p>
{{- else if .client_id }}
<form action="token" method="POST">
    Client ID: <input name="client_id" value="{{ .client_id }}" />
    Client Secret: <input name="client_secret" value="{{ .client_secret }}" />
    Grant type: <input name="grant_type" value="client_credentials" />
    <button>Fetch token</button>
</form>
<form action="revoke" method="POST">
    Client ID: <input name="client_id" value="{{ .client_id }}" />
    <button>Revoke token</button>
</form>
{{- else }}
<p>{{ .description | default "Done." }}</p>
{{- end }}
{{- with .state }}
<input type="hidden" name="state" value="{{ . }}" />
{{- end }}
</body>
</html>
`

// Renderer turns named values into a page. Absent values are simply not
// in the map.
type Renderer interface {
	Render(vars map[string]string) ([]byte, error)
}

// Template is a Renderer backed by html/template with the sprig function
// map. It can be reloaded from disk while in use.
type Template struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	tmpl *template.Template
}

// Parse compiles text into a Template.
func Parse(text string) (*Template, error) {
	tmpl, err := compile(text)
	if err != nil {
		return nil, err
	}

	return &Template{tmpl: tmpl, logger: slog.Default()}, nil
}

// Default returns the built in template.
func Default() *Template {
	t, err := Parse(DefaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("default callback template: %v", err))
	}

	return t
}

// Load reads and compiles the template file at path.
func Load(path string, logger *slog.Logger) (*Template, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Template{path: path, logger: logger}
	if err := t.Reload(); err != nil {
		return nil, err
	}

	return t, nil
}

func compile(text string) (*template.Template, error) {
	tmpl, err := template.New("callback").
		Option("missingkey=zero").
		Funcs(sprig.HtmlFuncMap()).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing callback template: %w", err)
	}

	return tmpl, nil
}

// Reload re-reads the template file. On failure the previous template
// stays in place.
func (t *Template) Reload() error {
	if t.path == "" {
		return nil
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("reading callback template: %w", err)
	}

	tmpl, err := compile(string(data))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.tmpl = tmpl
	t.mu.Unlock()

	return nil
}

// Render executes the current template with vars.
func (t *Template) Render(vars map[string]string) ([]byte, error) {
	t.mu.RLock()
	tmpl := t.tmpl
	t.mu.RUnlock()

	if vars == nil {
		vars = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("rendering callback template: %w", err)
	}

	return buf.Bytes(), nil
}
