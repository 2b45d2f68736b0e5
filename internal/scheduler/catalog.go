package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"market-task-orchestrator/internal/models"
)

// Catalog is the immutable set of recurring jobs known to the process.
type Catalog struct {
	jobs []models.JobDefinition
	byID map[string]int
}

type catalogFile struct {
	Jobs []models.JobDefinition `yaml:"jobs"`
}

// LoadCatalog reads a YAML file with a top-level "jobs" list.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(f.Jobs)
}

// NewCatalog validates defs. A missing status defaults to running.
func NewCatalog(defs []models.JobDefinition) (*Catalog, error) {
	c := &Catalog{
		jobs: make([]models.JobDefinition, 0, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog entry %q: missing id", d.Name)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate id", d.ID)
		}
		if err := ValidateCron(d.CronExpression); err != nil {
			return nil, fmt.Errorf("catalog entry %s: %w", d.ID, err)
		}
		if d.Status == "" {
			d.Status = models.JobRunning
		}
		if !d.Status.Valid() {
			return nil, fmt.Errorf("catalog entry %s: unknown status %q", d.ID, d.Status)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		c.byID[d.ID] = len(c.jobs)
		c.jobs = append(c.jobs, d)
	}
	return c, nil
}

// Get returns the definition for code.
func (c *Catalog) Get(code string) (models.JobDefinition, bool) {
	i, ok := c.byID[code]
	if !ok {
		return models.JobDefinition{}, false
	}
	return c.jobs[i], true
}

// All returns the definitions in file order.
func (c *Catalog) All() []models.JobDefinition {
	out := make([]models.JobDefinition, len(c.jobs))
	copy(out, c.jobs)
	return out
}
