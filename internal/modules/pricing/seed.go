package pricing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Profiles []RateProfile `yaml:"profiles"`
}

type Upserter interface {
	Upsert(ctx context.Context, p RateProfile) error
}

// LoadSeed parses a YAML list of rate profiles.
func LoadSeed(path string) ([]RateProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rate seed %s: %w", path, err)
	}
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rate seed profile %q: %w", p.VehicleClass, err)
		}
	}
	return f.Profiles, nil
}

func ApplySeed(ctx context.Context, dst Upserter, profiles []RateProfile) error {
	for _, p := range profiles {
		if err := dst.Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert %s: %w", p.VehicleClass, err)
		}
	}
	return nil
}
