// Package catalog loads the declarative dataset catalog: fetch recipes and
// schema contracts, both plain YAML data files.
package catalog

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aristath/marketflow/internal/domain"
)

// Catalog is the validated, deduplicated collection of dataset recipes.
type Catalog struct {
	recipes  []domain.Recipe
	byDomain map[string][]domain.Recipe
	log      zerolog.Logger
}

type catalogFile struct {
	Recipes []domain.Recipe `yaml:"recipes"`
}

// Load reads and validates the recipe catalog. Duplicate recipes (same
// domain/source/dataset) keep the first occurrence; invalid recipes fail the
// load outright since a broken catalog should stop the pipeline at startup.
func Load(path string, log zerolog.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data, log)
}

// Parse builds a catalog from raw YAML. Split out from Load for tests.
func Parse(data []byte, log zerolog.Logger) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		byDomain: make(map[string][]domain.Recipe),
		log:      log.With().Str("component", "catalog").Logger(),
	}

	seen := make(map[string]bool)
	for i := range file.Recipes {
		recipe := file.Recipes[i]
		if err := recipe.Validate(); err != nil {
			return nil, fmt.Errorf("catalog recipe %s/%s/%s is invalid: %w",
				recipe.Domain, recipe.Source, recipe.Dataset, err)
		}

		key := recipe.Domain + "/" + recipe.Source + "/" + recipe.Dataset
		if seen[key] {
			c.log.Warn().Str("recipe", key).Msg("Duplicate catalog recipe ignored")
			continue
		}
		seen[key] = true

		c.recipes = append(c.recipes, recipe)
		c.byDomain[recipe.Domain] = append(c.byDomain[recipe.Domain], recipe)
	}

	if len(c.recipes) == 0 {
		return nil, fmt.Errorf("catalog contains no recipes")
	}
	return c, nil
}

// Recipes returns all recipes in catalog order.
func (c *Catalog) Recipes() []domain.Recipe {
	out := make([]domain.Recipe, len(c.recipes))
	copy(out, c.recipes)
	return out
}

// ForDomain returns the recipes of one domain, filtered by plan tier when
// tier is non-empty ("" keeps everything; otherwise recipes whose own tier
// is empty or equal to the filter survive).
func (c *Catalog) ForDomain(dom, tier string) []domain.Recipe {
	var out []domain.Recipe
	for _, recipe := range c.byDomain[dom] {
		if tier != "" && recipe.Tier != "" && recipe.Tier != tier {
			continue
		}
		out = append(out, recipe)
	}
	return out
}

// Find returns the recipe for a dataset within a domain, or nil.
func (c *Catalog) Find(dom, dataset string) *domain.Recipe {
	for _, recipe := range c.byDomain[dom] {
		if recipe.Dataset == dataset {
			r := recipe
			return &r
		}
	}
	return nil
}

// DiscoveryRecipe returns the reference-domain recipe that populates the
// instrument dimension, or nil when the catalog has none. The orchestrator
// loads it first so downstream domains can resolve newly discovered keys.
func (c *Catalog) DiscoveryRecipe() *domain.Recipe {
	for _, recipe := range c.byDomain[domain.DomainReference] {
		if !recipe.PerKey {
			r := recipe
			return &r
		}
	}
	return nil
}
