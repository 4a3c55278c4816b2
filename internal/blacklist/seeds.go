package blacklist

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fundscope/crawler-cli/internal/model"
)

// SeedFile is the YAML shape for bootstrapping patterns before any
// learning has happened.
type SeedFile struct {
	Hosts []SeedHost `yaml:"hosts"`
}

// SeedHost holds manual include/exclude patterns for one host.
type SeedHost struct {
	Host       string   `yaml:"host"`
	Exclude    []string `yaml:"exclude"`
	Include    []string `yaml:"include"`
	Confidence float64  `yaml:"confidence"`
}

// LoadSeeds reads a seed YAML file and upserts every pattern. Invalid
// patterns fail the whole load so a broken seed file is caught early.
func (e *Engine) LoadSeeds(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "blacklist: read seed file %s", path)
	}

	var sf SeedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return 0, eris.Wrapf(err, "blacklist: parse seed file %s", path)
	}

	count := 0
	for _, h := range sf.Hosts {
		conf := h.Confidence
		if conf == 0 {
			conf = 0.8
		}
		for _, p := range h.Exclude {
			if err := e.Add(ctx, h.Host, model.PatternTypeExclude, p, "seed", conf); err != nil {
				return count, err
			}
			count++
		}
		for _, p := range h.Include {
			if err := e.Add(ctx, h.Host, model.PatternTypeInclude, p, "seed", conf); err != nil {
				return count, err
			}
			count++
		}
	}

	zap.L().Info("blacklist: seeds loaded",
		zap.String("path", path),
		zap.Int("patterns", count),
	)
	return count, nil
}
