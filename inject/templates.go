package inject

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"

	"annc/config"
)

// Values is a struct that holds variables we make available for template expansion
type Values struct {
	Context    string
	SourceFile string
	SourceDir  string
	Ext        string
	Mode       string
	Inserted   bool
	LoadID     string
}

func newValues(name config.TemplateFieldName, src string, res *result) Values {
	ext := filepath.Ext(src)
	dir := filepath.ToSlash(filepath.Dir(src))
	if dir == "." {
		dir = ""
	}
	return Values{
		Context:    string(name),
		SourceFile: strings.TrimSuffix(filepath.Base(src), ext),
		SourceDir:  dir,
		Ext:        strings.TrimPrefix(strings.ToLower(ext), "."),
		Mode:       res.mode.String(),
		Inserted:   res.inserted,
		LoadID:     res.loadID,
	}
}

func expandTemplate(name config.TemplateFieldName, field string, values Values) (string, error) {
	funcMap := sprig.FuncMap()

	tmpl, err := template.New(string(name)).Funcs(funcMap).Parse(field)
	if err != nil {
		return "", fmt.Errorf("unable to parse template field %s: %w", name, err)
	}

	buf := new(bytes.Buffer)
	if err := tmpl.Execute(buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}
