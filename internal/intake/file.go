package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileSource reads issues from a YAML file with a top-level "issues" list.
type FileSource struct {
	path string
}

// NewFileSource creates a source for a YAML issue file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file:" + filepath.Base(s.path) }

// Poll re-reads the file each time.
func (s *FileSource) Poll(_ context.Context) ([]RawIssue, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading issue file: %w", err)
	}
	return ParseIssues(data)
}

// ParseIssues decodes a YAML issue document.
func ParseIssues(data []byte) ([]RawIssue, error) {
	var doc struct {
		Issues []RawIssue `yaml:"issues"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing issue file: %w", err)
	}
	return doc.Issues, nil
}
