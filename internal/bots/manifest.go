// Package bots runs editorial bots: mention parsing and dispatch, capability
// scoped execution, message actions and the manifests that install them.
package bots

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Capabilities a bot may be granted
const (
	PermReadManuscript      = "read_manuscript"
	PermReadManuscriptFiles = "read_manuscript_files"
	PermUploadFiles         = "upload_files"
	PermBotStorage          = "bot_storage"
	PermUpdateManuscript    = "update_manuscript"
	PermManageWorkflow      = "manage_workflow"
	PermManageReviewers     = "manage_reviewers"
)

var knownPermissions = map[string]bool{
	PermReadManuscript:      true,
	PermReadManuscriptFiles: true,
	PermUploadFiles:         true,
	PermBotStorage:          true,
	PermUpdateManuscript:    true,
	PermManageWorkflow:      true,
	PermManageReviewers:     true,
}

// Manifest is the parsed bot.yaml of an installed bot
type Manifest struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Description      string                 `yaml:"description"`
	Version          string                 `yaml:"version"`
	Permissions      []string               `yaml:"permissions"`
	Enabled          *bool                  `yaml:"enabled"`
	DefaultConfig    map[string]interface{} `yaml:"default_config"`
	ConfigSchemaPath string                 `yaml:"config_schema_path"`
	SecretKeys       []string               `yaml:"secret_keys"`

	dir string
}

// IsEnabled defaults to true when the manifest does not say
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// SchemaPath resolves the config schema relative to the manifest
func (m *Manifest) SchemaPath() string {
	if m.ConfigSchemaPath == "" || filepath.IsAbs(m.ConfigSchemaPath) {
		return m.ConfigSchemaPath
	}
	return filepath.Join(m.dir, m.ConfigSchemaPath)
}

// LoadManifest reads and strictly parses a bot.yaml file. Unknown keys and
// unknown permissions are rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot manifest: %w", err)
	}

	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse bot manifest: %w", err)
	}
	m.dir = filepath.Dir(path)

	if m.ID == "" {
		return nil, fmt.Errorf("bot manifest missing required field: id")
	}
	if m.Version == "" {
		return nil, fmt.Errorf("bot manifest %s missing required field: version", m.ID)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	for _, p := range m.Permissions {
		if !knownPermissions[p] {
			return nil, fmt.Errorf("bot manifest %s declares unknown permission %q", m.ID, p)
		}
	}
	if m.DefaultConfig == nil {
		m.DefaultConfig = map[string]interface{}{}
	}

	return &m, nil
}
