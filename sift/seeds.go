package sift

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Categories []CategoryDef `yaml:"categories"`
}

// LoadSeedCategories reads category definitions from a YAML file of the form
//
//	categories:
//	  - id: news
//	    anchorText: MY_FAVORITE_NEWS
//	    label: My favorite news
//
// A missing file yields no categories and no error.
func LoadSeedCategories(path string) ([]CategoryDef, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}
	if err := ValidateCategories(f.Categories); err != nil {
		return nil, fmt.Errorf("seeds %s: %w", path, err)
	}
	return f.Categories, nil
}

// ValidateCategories checks that ids are non-empty and unique and that every
// category has anchor text.
func ValidateCategories(defs []CategoryDef) error {
	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("%w: category %d has no id", ErrInvalidPayload, i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate category id %q", ErrInvalidPayload, d.ID)
		}
		seen[d.ID] = struct{}{}
		if NormalizeText(d.AnchorText) == "" {
			return fmt.Errorf("%w: category %q has no anchor text", ErrInvalidPayload, d.ID)
		}
	}
	return nil
}

// MarshalSeedCategories renders defs in the LoadSeedCategories format.
func MarshalSeedCategories(defs []CategoryDef) ([]byte, error) {
	return yaml.Marshal(seedFile{Categories: defs})
}
