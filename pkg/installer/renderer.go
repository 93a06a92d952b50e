package installer

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates
var builtinTemplates embed.FS

// Renderer produces configuration files from named templates.
type Renderer interface {
	// Render executes the template name with data.
	Render(name string, data any) ([]byte, error)

	// Glob lists template names matching pattern.
	Glob(pattern string) ([]string, error)
}

// TemplateRenderer renders text/template files from a file system.
type TemplateRenderer struct {
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewTemplateRenderer renders templates found in fsys.
func NewTemplateRenderer(fsys fs.FS) *TemplateRenderer {
	return &TemplateRenderer{fsys: fsys, cache: make(map[string]*template.Template)}
}

// BuiltinTemplates returns the templates shipped with the engine.
func BuiltinTemplates() fs.FS {
	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(name string, data any) ([]byte, error) {
	tmpl, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Glob implements Renderer.
func (r *TemplateRenderer) Glob(pattern string) ([]string, error) {
	return fs.Glob(r.fsys, pattern)
}

func (r *TemplateRenderer) lookup(name string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tmpl, ok := r.cache[name]; ok {
		return tmpl, nil
	}

	raw, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	r.cache[name] = tmpl
	return tmpl, nil
}
