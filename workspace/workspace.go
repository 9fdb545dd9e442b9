// Package workspace discovers and parses the repository list and the per-tool
// package manifests of a configuration folder.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ptrus/dep-validator/models"
)

// Conventional names inside a configuration folder.
const (
	SourceCodeFile = "ic-source-code.yml"
	PipConfigFile  = "pip-config.yml"
	VenvConfigsDir = "tools/venv-configs"
)

// Workspace is everything loaded from one configuration folder.
type Workspace struct {
	Root             string                    `json:"root"`
	SourceCodeConfig string                    `json:"source_code_config,omitempty"`
	Repositories     []models.Repository       `json:"repositories"`
	Manifests        []*models.PackageManifest `json:"manifests"`
	Errors           []string                  `json:"errors,omitempty"`
}

// Load discovers and parses the configuration files under root. Unreadable or
// malformed files are recorded in Errors rather than failing the load.
func Load(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve folder: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	ws := &Workspace{
		Root:         abs,
		Repositories: []models.Repository{},
		Manifests:    []*models.PackageManifest{},
	}

	if path, ok := FindSourceCodeConfig(abs); ok {
		ws.SourceCodeConfig = path
		repos, err := LoadRepositories(path)
		if err != nil {
			ws.Errors = append(ws.Errors, err.Error())
		} else {
			ws.Repositories = repos
		}
	}

	paths, err := FindPipConfigs(abs)
	if err != nil {
		ws.Errors = append(ws.Errors, err.Error())
	}
	for _, p := range paths {
		ws.Manifests = append(ws.Manifests, LoadManifest(p))
	}

	return ws, nil
}

// Repository returns the repository called name.
func (ws *Workspace) Repository(name string) (models.Repository, bool) {
	for _, r := range ws.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return models.Repository{}, false
}

// Manifest returns the manifest at path.
func (ws *Workspace) Manifest(path string) (*models.PackageManifest, bool) {
	for _, m := range ws.Manifests {
		if m.ManifestPath == path {
			return m, true
		}
	}
	return nil, false
}

// FindSourceCodeConfig returns <root>/tools/venv-configs/ic-source-code.yml if
// it exists, otherwise the first ic-source-code.yml found under root.
func FindSourceCodeConfig(root string) (string, bool) {
	direct := filepath.Join(root, filepath.FromSlash(VenvConfigsDir), SourceCodeFile)
	if info, err := os.Stat(direct); err == nil && !info.IsDir() {
		return direct, true
	}

	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped.
			return nil
		}
		if !d.IsDir() && d.Name() == SourceCodeFile {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// LoadRepositories parses a top-level mapping of name -> {git_url, git_ref}.
// Entries keep document order; entries that are not mappings or lack a URL
// or ref are skipped.
func LoadRepositories(path string) ([]models.Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	repos := []models.Repository{}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return repos, nil
	}

	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if value.Kind != yaml.MappingNode {
			continue
		}

		var entry struct {
			GitURL scalarString `yaml:"git_url"`
			GitRef scalarString `yaml:"git_ref"`
		}
		if err := value.Decode(&entry); err != nil {
			continue
		}
		if entry.GitURL == "" || entry.GitRef == "" {
			continue
		}

		repos = append(repos, models.Repository{
			Name:   key.Value,
			GitURL: string(entry.GitURL),
			GitRef: string(entry.GitRef),
		})
	}

	return repos, nil
}

// FindPipConfigs returns the paths of <root>/tools/venv-configs/<tool>/<version>/pip-config.yml,
// sorted by path.
func FindPipConfigs(root string) ([]string, error) {
	venvRoot := filepath.Join(root, filepath.FromSlash(VenvConfigsDir))

	tools, err := os.ReadDir(venvRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", venvRoot, err)
	}

	var found []string
	for _, tool := range tools {
		if !tool.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(venvRoot, tool.Name()))
		if err != nil {
			continue
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			p := filepath.Join(venvRoot, tool.Name(), v.Name(), PipConfigFile)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				found = append(found, p)
			}
		}
	}

	sort.Strings(found)
	return found, nil
}

// LoadManifest parses a pip-config.yml. Tool name and version come from the
// two parent directories. A file that cannot be read or parsed yields a
// manifest with Analyze=false and the error in Errors.
func LoadManifest(path string) *models.PackageManifest {
	m := &models.PackageManifest{
		ToolName:     filepath.Base(filepath.Dir(filepath.Dir(path))),
		ToolVersion:  filepath.Base(filepath.Dir(path)),
		ManifestPath: path,
		Packages:     []models.PackageSpec{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.Errors = []string{err.Error()}
		return m
	}

	var raw struct {
		Packages packageList `yaml:"packages"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		m.Errors = []string{err.Error()}
		return m
	}

	m.Analyze = true
	for _, p := range raw.Packages {
		m.Packages = append(m.Packages, models.PackageSpec{
			Name:     string(p.Name),
			Type:     string(p.Type),
			IndexURL: string(p.URL),
			Version:  string(p.Version),
		})
	}
	return m
}

// packageEntry is one item of the packages list.
type packageEntry struct {
	Name    scalarString `yaml:"name"`
	Type    scalarString `yaml:"type"`
	URL     scalarString `yaml:"url"`
	Version scalarString `yaml:"version"`
}

// packageList tolerates a packages key that is not a list, and list items
// that are not mappings; both yield empty entries instead of errors.
type packageList []packageEntry

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *packageList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		*l = nil
		return nil
	}

	result := make([]packageEntry, 0, len(value.Content))
	for _, item := range value.Content {
		var e packageEntry
		if item.Kind == yaml.MappingNode {
			if err := item.Decode(&e); err != nil {
				return err
			}
		}
		result = append(result, e)
	}
	*l = result
	return nil
}

// scalarString decodes any scalar (string, number, bool) as trimmed text.
// Null and non-scalar values become the empty string.
type scalarString string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *scalarString) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode || value.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = scalarString(strings.TrimSpace(value.Value))
	return nil
}
