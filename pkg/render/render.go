// Package render turns service groups into proxy configuration text.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/abcdlsj/vhostsync/pkg/service"
)

// ErrTemplate is returned when the template cannot be read, parsed or executed
var ErrTemplate = errors.New("template error")

// Renderer produces configuration text from service groups
type Renderer interface {
	Render(services []service.Service) ([]byte, error)
}

// Context is the data passed to the template
type Context struct {
	Services []service.Service
}

// TemplateRenderer renders a text/template file. The file is read on every
// call so edits apply on the next cycle.
type TemplateRenderer struct {
	path string
}

// NewTemplateRenderer creates a renderer for the template at path
func NewTemplateRenderer(path string) *TemplateRenderer {
	return &TemplateRenderer{path: path}
}

// Path returns the template location
func (r *TemplateRenderer) Path() string {
	return r.path
}

// Render implements Renderer
func (r *TemplateRenderer) Render(services []service.Service) ([]byte, error) {
	text, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplate, err)
	}

	tmpl, err := template.New(filepath.Base(r.path)).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplate, err)
	}

	if services == nil {
		services = []service.Service{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, Context{Services: services}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplate, err)
	}
	return buf.Bytes(), nil
}
