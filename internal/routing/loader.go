package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk format of a routing rules file.
type RulesFile struct {
	DefaultAgent string `yaml:"defaultAgent"`
	Rules        []Rule `yaml:"rules"`
}

// LoadRulesFile reads a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &file, nil
}
