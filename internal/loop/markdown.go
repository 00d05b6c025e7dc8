package loop

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type frontMatter struct {
	ID               string   `yaml:"id"`
	Status           Status   `yaml:"status"`
	Verified         bool     `yaml:"verified"`
	Weight           float64  `yaml:"weight"`
	ScoreBase        int      `yaml:"score_base"`
	Tags             []string `yaml:"tags,omitempty"`
	Source           string   `yaml:"source,omitempty"`
	LinkedWorkstream string   `yaml:"linked_workstream,omitempty"`
	Tier             Tier     `yaml:"tier"`
	Created          string   `yaml:"created"`
	Updated          string   `yaml:"updated"`
}

// RenderMarkdown projects a loop into a markdown document with YAML front
// matter. The output is for display only and is never parsed back.
func RenderMarkdown(l *Loop) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil loop", ErrInvalidInput)
	}
	fm := frontMatter{
		ID:               l.ID,
		Status:           l.Status,
		Verified:         l.Verified,
		Weight:           l.Weight,
		ScoreBase:        l.ScoreBase,
		Tags:             l.Tags,
		Source:           l.Source,
		LinkedWorkstream: l.LinkedWorkstream,
		Tier:             l.Tier,
		Created:          l.Created.UTC().Format(time.RFC3339),
		Updated:          l.Updated.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encoding front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding front matter: %w", err)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(l.Summary)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}
