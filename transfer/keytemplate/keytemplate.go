// Package keytemplate evaluates object name templates, such as the S3 key or the
// filename of a committed document.
package keytemplate

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Model ...
type Model struct {
	envRepo env.Repository
	logger  log.Logger
	os      string
	arch    string
	now     func() time.Time
}

// UploadContext describes the upload a name is generated for.
type UploadContext struct {
	// SourcePath is the uploaded file, empty for archives and stdin.
	SourcePath string
}

type templateInventory struct {
	OS        string
	Arch      string
	Date      string
	Timestamp string
	Source    string
}

// NewModel ...
func NewModel(envRepo env.Repository, logger log.Logger) Model {
	return Model{
		envRepo: envRepo,
		logger:  logger,
		os:      runtime.GOOS,
		arch:    runtime.GOARCH,
		now:     time.Now,
	}
}

// Evaluate returns the final name from a template.
// Templates without actions are returned unchanged.
func (m Model) Evaluate(name string, uploadContext UploadContext) (string, error) {
	if !strings.Contains(name, "{{") {
		return name, nil
	}

	funcMap := template.FuncMap{
		"getenv":   m.getEnvVar,
		"checksum": m.checksum,
	}

	tmpl, err := template.New("").Funcs(funcMap).Parse(name)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	now := m.now().UTC()
	inventory := templateInventory{
		OS:        m.os,
		Arch:      m.arch,
		Date:      now.Format("2006-01-02"),
		Timestamp: now.Format("20060102T150405Z"),
	}
	if uploadContext.SourcePath != "" && uploadContext.SourcePath != "-" {
		inventory.Source = filepath.Base(uploadContext.SourcePath)
	}

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}

	result := resultBuffer.String()
	if strings.TrimSpace(result) == "" {
		return "", fmt.Errorf("template %s evaluated to an empty name", name)
	}
	if inventory.Source == "" && strings.Contains(name, ".Source") {
		m.logger.Warnf("Template variable .Source is not defined")
	}

	return result, nil
}

func (m Model) getEnvVar(key string) string {
	value := m.envRepo.Get(key)
	if value == "" {
		m.logger.Warnf("Environment variable %s used in the template is empty", key)
	}
	return value
}
