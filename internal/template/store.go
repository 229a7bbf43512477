// Package template loads the container templates used by the create
// pipeline from a directory of JSON files and renders them against a
// per-request context.
package template

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/rs/zerolog/log"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/model"
)

// RenderContext is the context object exposed to templates as
// `.Environment` and `.Ports`.
type RenderContext struct {
	Environment model.Environment
	Ports       []int
}

// Template is one loaded `<name>.json.tmpl` document: its declared name
// plus the full decoded JSON object, whose spec Render re-serializes to text
// before executing it as a Go template (matching the way the original
// system round-trips its Jinja2 templates through json.dumps).
type Template struct {
	Name string
	Doc  map[string]any
}

// Commands returns template.commands, the post-create command argv lists
//, or nil if the template declares none.
func (t Template) Commands() [][]string {
	tmplField, _ := t.Doc["template"].(map[string]any)
	raw, _ := tmplField["commands"].([]any)
	out := make([][]string, 0, len(raw))
	for _, item := range raw {
		argvRaw, ok := item.([]any)
		if !ok {
			continue
		}
		argv := make([]string, 0, len(argvRaw))
		for _, a := range argvRaw {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
		out = append(out, argv)
	}
	return out
}

// Store holds every template found under a directory at construction time,
// indexed by `template.name`. It does not watch the directory for changes.
type Store struct {
	byName map[string]Template
}

// Load scans dir for files ending in suffix, decodes each as JSON, and
// indexes it by its declared `template.name`. Malformed files are skipped
// and logged, matching the original system's try/except-and-continue scan
// (original_source/api.py's LxdTemplateManager.__init__).
func Load(dir, suffix string) (*Store, error) {
	s := &Store{byName: make(map[string]Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, err, "read template directory %s", dir)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("template: cannot read, skipping")
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("template: cannot parse, skipping")
			continue
		}
		tmplField, _ := doc["template"].(map[string]any)
		name, _ := tmplField["name"].(string)
		if name == "" {
			log.Warn().Str("file", path).Msg("template: missing template.name, skipping")
			continue
		}
		s.byName[name] = Template{Name: name, Doc: doc}
	}

	return s, nil
}

// Get returns the named template, or apierr.TemplateNotFound.
func (s *Store) Get(name string) (Template, error) {
	t, ok := s.byName[name]
	if !ok {
		return Template{}, apierr.New(apierr.TemplateNotFound, "no such template %q", name)
	}
	return t, nil
}

// Render executes the named template's `template.spec` object, serialized
// back to JSON text, as a text/template (with sprig's FuncMap, plus
// jsonEscape) against ctx, and decodes the result into an Instance spec.
// The template's commands are not part of it; RenderList renders those. Template authors must pipe any
// request-controlled string field (instance name, username, course fields)
// through jsonEscape before it lands inside a JSON string literal.
func (s *Store) Render(name string, ctx RenderContext) (model.Instance, error) {
	t, err := s.Get(name)
	if err != nil {
		return model.Instance{}, err
	}

	tmplField, _ := t.Doc["template"].(map[string]any)
	rawSpec, err := json.Marshal(tmplField["spec"])
	if err != nil {
		return model.Instance{}, apierr.Wrap(apierr.TemplateRenderErr, err, "encode template %q", name)
	}

	rendered, err := execute(name, string(rawSpec), ctx)
	if err != nil {
		return model.Instance{}, err
	}

	var spec model.Instance
	if err := json.Unmarshal([]byte(rendered), &spec); err != nil {
		return model.Instance{}, apierr.Wrap(apierr.TemplateRenderErr, err, "decode rendered template %q", name)
	}
	return spec, nil
}

// RenderList applies the same text/template+sprig execution independently
// to each argv-list entry of a post-create command, preserving order
//.
func (s *Store) RenderList(argv []string, ctx RenderContext) ([]string, error) {
	out := make([]string, 0, len(argv))
	for i, item := range argv {
		rendered, err := execute("command-arg", item, ctx)
		if err != nil {
			return nil, apierr.Wrap(apierr.TemplateRenderErr, err, "render command arg %d", i)
		}
		out = append(out, rendered)
	}
	return out, nil
}

func execute(name, text string, ctx RenderContext) (string, error) {
	funcs := sprig.FuncMap()
	funcs["jsonEscape"] = jsonEscape
	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return "", apierr.Wrap(apierr.TemplateRenderErr, err, "parse template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", apierr.Wrap(apierr.TemplateRenderErr, err, "execute template %q", name)
	}
	return buf.String(), nil
}

// jsonEscape renders s as JSON-safe text for use inside a template document's
// own string literals, e.g. `"name": "{{ .Environment.Instance.Name |
// jsonEscape }}"`. Names and usernames reach the rendered document straight
// from the request; without this, a value containing a `"` or `\` would
// corrupt the JSON that Render re-parses, or let a crafted value inject
// unintended fields into the rendered document.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	// Marshal always wraps a string in quotes; strip them since the
	// template supplies its own surrounding quotes.
	return string(b[1 : len(b)-1])
}
