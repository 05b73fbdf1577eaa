package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadLabels reads class names from an ultralytics style data.yaml. The names
// key may be a list or an id to name mapping. Gaps in a mapping are left empty.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file '%s': %w", path, err)
	}

	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse labels file '%s': %w", path, err)
	}

	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("invalid names list in '%s': %w", path, err)
		}
		return names, nil

	case yaml.MappingNode:
		var byID map[int]string
		if err := doc.Names.Decode(&byID); err != nil {
			return nil, fmt.Errorf("invalid names mapping in '%s': %w", path, err)
		}
		maxID := -1
		for id := range byID {
			if id < 0 {
				return nil, fmt.Errorf("negative class id %d in '%s'", id, path)
			}
			if id > maxID {
				maxID = id
			}
		}
		names := make([]string, maxID+1)
		for id, name := range byID {
			names[id] = name
		}
		return names, nil
	}

	return nil, fmt.Errorf("no names found in '%s'", path)
}
