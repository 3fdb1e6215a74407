package badge

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrCatalogue = errors.New("invalid badge catalogue")

type catalogueFile struct {
	Badges []Definition `yaml:"badges"`
}

// LoadCatalogue reads an ordered catalogue from a YAML file of the form
//
//	badges:
//	  - id: watch-10h
//	    category: watch-time
//	    metric: watch_minutes
//	    target: 600
func LoadCatalogue(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalogue(b)
}

// ParseCatalogue decodes and validates catalogue YAML.
func ParseCatalogue(b []byte) ([]Definition, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogue, err)
	}
	if err := Validate(f.Badges); err != nil {
		return nil, err
	}
	return f.Badges, nil
}

// Validate checks ids are unique and every metric and category is known.
func Validate(defs []Definition) error {
	if len(defs) == 0 {
		return fmt.Errorf("%w: no badges defined", ErrCatalogue)
	}
	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("%w: badge %d has no id", ErrCatalogue, i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrCatalogue, d.ID)
		}
		seen[d.ID] = struct{}{}
		switch d.Category {
		case CategoryWatchTime, CategoryInteraction, CategoryLoyalty, CategoryStreak:
		default:
			return fmt.Errorf("%w: %s: unknown category %q", ErrCatalogue, d.ID, d.Category)
		}
		switch d.Metric {
		case MetricWatchMinutes, MetricMessages, MetricTrackingDays, MetricLongestStreak:
		default:
			return fmt.Errorf("%w: %s: unknown metric %q", ErrCatalogue, d.ID, d.Metric)
		}
		if d.Target < 0 {
			return fmt.Errorf("%w: %s: negative target", ErrCatalogue, d.ID)
		}
	}
	return nil
}
