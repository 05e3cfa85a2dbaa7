// Package catalog loads and validates the declarative service configuration:
// search services, analyst services, manager toggles, and the SQL statement
// permissions. Loading is all-or-nothing; a single malformed entry fails the
// whole load so the running catalog never has partial coverage.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/borealdata/icebridge/internal/policy"
)

const defaultSearchLimit = 10

// Definition is one resolvable service entry.
type Definition interface {
	// Name is unique across the whole catalog.
	Name() string
}

// SearchService is a semantic search service declaration.
type SearchService struct {
	ServiceName string   `yaml:"service_name"`
	Description string   `yaml:"description"`
	Database    string   `yaml:"database_name"`
	Schema      string   `yaml:"schema_name"`
	Columns     []string `yaml:"columns"`
	// Limit is the maximum (and default) result count for this service.
	Limit int `yaml:"limit"`
}

func (s *SearchService) Name() string { return s.ServiceName }

// AnalystService is a natural-language-to-SQL service declaration.
// SemanticModel is either a staged model file ("@db.schema.stage/model.yaml")
// or the fully qualified name of a semantic view.
type AnalystService struct {
	ServiceName   string `yaml:"service_name"`
	Description   string `yaml:"description"`
	SemanticModel string `yaml:"semantic_model"`
}

func (a *AnalystService) Name() string { return a.ServiceName }

// IsModelFile reports whether the semantic model reference points at a staged
// YAML file rather than a semantic view.
func (a *AnalystService) IsModelFile() bool {
	return strings.HasPrefix(a.SemanticModel, "@") && strings.HasSuffix(a.SemanticModel, ".yaml")
}

type file struct {
	SearchServices  []*SearchService  `yaml:"search_services"`
	AnalystServices []*AnalystService `yaml:"analyst_services"`
	ObjectManager   bool              `yaml:"object_manager"`
	QueryManager    bool              `yaml:"query_manager"`
	SemanticManager bool              `yaml:"semantic_manager"`
	SQLPermissions  map[string]bool   `yaml:"sql_statement_permissions"`
}

// Catalog is the validated, immutable service registry.
type Catalog struct {
	search  []*SearchService
	analyst []*AnalystService
	byName  map[string]Definition

	objectManager   bool
	queryManager    bool
	semanticManager bool

	policy policy.Policy
}

// Load reads and parses the service configuration file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid service config %s: %w", path, err)
	}
	return c, nil
}

// Parse validates raw YAML configuration into a Catalog. Any malformed entry
// fails the whole parse.
func Parse(data []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	c := &Catalog{
		search:          f.SearchServices,
		analyst:         f.AnalystServices,
		byName:          make(map[string]Definition),
		objectManager:   f.ObjectManager,
		queryManager:    f.QueryManager,
		semanticManager: f.SemanticManager,
	}

	for i, s := range f.SearchServices {
		if s == nil {
			return nil, fmt.Errorf("search service %d is empty", i)
		}
		if s.ServiceName == "" {
			return nil, fmt.Errorf("search service %d is missing service_name", i)
		}
		if s.Database == "" || s.Schema == "" {
			return nil, fmt.Errorf("search service %q is missing database_name or schema_name", s.ServiceName)
		}
		if s.Limit < 0 {
			return nil, fmt.Errorf("search service %q has negative limit %d", s.ServiceName, s.Limit)
		}
		if s.Limit == 0 {
			s.Limit = defaultSearchLimit
		}
		if err := c.register(s); err != nil {
			return nil, err
		}
	}

	for i, a := range f.AnalystServices {
		if a == nil {
			return nil, fmt.Errorf("analyst service %d is empty", i)
		}
		if a.ServiceName == "" {
			return nil, fmt.Errorf("analyst service %d is missing service_name", i)
		}
		if a.SemanticModel == "" {
			return nil, fmt.Errorf("analyst service %q is missing semantic_model", a.ServiceName)
		}
		// The semantic model reference is recorded but not existence-checked
		// here; it may live in the warehouse and is verified on first use.
		if err := c.register(a); err != nil {
			return nil, err
		}
	}

	pol, err := policy.FromConfig(f.SQLPermissions)
	if err != nil {
		return nil, err
	}
	c.policy = pol

	return c, nil
}

func (c *Catalog) register(def Definition) error {
	name := def.Name()
	if _, exists := c.byName[name]; exists {
		return fmt.Errorf("duplicate service name %q", name)
	}
	c.byName[name] = def
	return nil
}

// Resolve returns the definition registered under name. The second return is
// false when no such service exists.
func (c *Catalog) Resolve(name string) (Definition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// SearchServices returns the declared search services in file order.
func (c *Catalog) SearchServices() []*SearchService { return c.search }

// AnalystServices returns the declared analyst services in file order.
func (c *Catalog) AnalystServices() []*AnalystService { return c.analyst }

// ObjectManagerEnabled reports whether object management tools are exposed.
func (c *Catalog) ObjectManagerEnabled() bool { return c.objectManager }

// QueryManagerEnabled reports whether the raw SQL query tool is exposed.
func (c *Catalog) QueryManagerEnabled() bool { return c.queryManager }

// SemanticManagerEnabled reports whether semantic view tools are exposed.
func (c *Catalog) SemanticManagerEnabled() bool { return c.semanticManager }

// Policy returns the SQL statement permission policy loaded with the catalog.
func (c *Catalog) Policy() policy.Policy { return c.policy }
