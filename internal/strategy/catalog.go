package strategy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ParamPlaceholder marks where a domain value is substituted into a
// parameter template.
const ParamPlaceholder = "{}"

// Catalog errors.
var (
	// ErrInvalidCatalog indicates a catalog that cannot drive enumeration.
	ErrInvalidCatalog = errors.New("invalid strategy catalog")
)

// CatalogEntry describes one manipulation kind and its parameter domains.
type CatalogEntry struct {
	Code     ActionCode `yaml:"code"`
	Template string     `yaml:"template"`

	// Full is used for single-action strategies; Small keeps the pairwise
	// enumeration tractable.
	Full  []string `yaml:"full"`
	Small []string `yaml:"small"`
}

// Param substitutes value into the entry's template.
func (e CatalogEntry) Param(value string) string {
	return strings.Replace(e.Template, ParamPlaceholder, value, 1)
}

// Catalog is the static data driving brute-force enumeration.
type Catalog struct {
	Actions []CatalogEntry `yaml:"actions"`

	// Lengths and Starts define the windows for single-action strategies.
	Lengths []int64 `yaml:"lengths"`
	Starts  []int64 `yaml:"starts"`

	// ChunkStarts and ChunkLength define the windows for pairs.
	ChunkStarts []int64 `yaml:"chunk_starts"`
	ChunkLength int64   `yaml:"chunk_length"`

	// ExclusiveGroups lists action kinds that may not share a start offset.
	ExclusiveGroups [][]ActionCode `yaml:"exclusive_groups"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks that every entry can be expanded and every window is sane.
func (c Catalog) Validate() error {
	var errs []error
	seen := make(map[ActionCode]struct{}, len(c.Actions))
	for _, e := range c.Actions {
		if !e.Code.Valid() {
			errs = append(errs, fmt.Errorf("%q: %w", e.Code, ErrUnknownActionCode))
		}
		if _, dup := seen[e.Code]; dup {
			errs = append(errs, fmt.Errorf("duplicate entry %s: %w", e.Code, ErrInvalidCatalog))
		}
		seen[e.Code] = struct{}{}
		if !strings.Contains(e.Template, ParamPlaceholder) {
			errs = append(errs, fmt.Errorf("%s template %q has no %s: %w",
				e.Code, e.Template, ParamPlaceholder, ErrInvalidCatalog))
		}
		if len(e.Full) == 0 || len(e.Small) == 0 {
			errs = append(errs, fmt.Errorf("%s has an empty domain: %w", e.Code, ErrInvalidCatalog))
		}
		for _, v := range slices.Concat([]string{e.Template}, e.Full, e.Small) {
			if strings.ContainsAny(v, ",|\n") {
				errs = append(errs, fmt.Errorf("%s value %q contains a delimiter: %w", e.Code, v, ErrInvalidCatalog))
			}
		}
	}
	for _, v := range slices.Concat(c.Lengths, c.Starts, c.ChunkStarts) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("negative window value %d: %w", v, ErrInvalidCatalog))
		}
	}
	if len(c.ChunkStarts) > 0 && c.ChunkLength <= 0 {
		errs = append(errs, fmt.Errorf("chunk_length %d: %w", c.ChunkLength, ErrInvalidCatalog))
	}
	for _, g := range c.ExclusiveGroups {
		for _, code := range g {
			if !code.Valid() {
				errs = append(errs, fmt.Errorf("group member %q: %w", code, ErrUnknownActionCode))
			}
		}
	}
	return errors.Join(errs...)
}

// Compatible reports whether actions a and b, starting at startA and startB,
// may appear together in one strategy. Identical kinds never pair. Kinds in
// the same exclusivity group conflict only when they share a start offset.
func (c Catalog) Compatible(a, b ActionCode, startA, startB int64) bool {
	if a == b {
		return false
	}
	if startA != startB {
		return true
	}
	for _, g := range c.ExclusiveGroups {
		if slices.Contains(g, a) && slices.Contains(g, b) {
			return false
		}
	}
	return true
}
