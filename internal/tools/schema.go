package tools

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// SchemaCache compiles each tool's JSON-schema once and reuses it across
// runs. Compiled schemas are immutable, so sharing across goroutines is
// safe.
type SchemaCache struct {
	cache *lru.Cache[string, *gojsonschema.Schema]
}

func NewSchemaCache(size int) *SchemaCache {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *gojsonschema.Schema](size)
	if err != nil {
		// lru.New only fails on a non-positive size, which is clamped above.
		panic(err)
	}
	return &SchemaCache{cache: cache}
}

// ValidateInput checks resolved step args against the tool's input schema.
func (c *SchemaCache) ValidateInput(spec Spec, doc map[string]any) error {
	return c.validate(spec.Address, "input", spec.InputSchema, doc)
}

// ValidateOutput checks a tool response against the tool's output schema.
func (c *SchemaCache) ValidateOutput(spec Spec, doc map[string]any) error {
	return c.validate(spec.Address, "output", spec.OutputSchema, doc)
}

func (c *SchemaCache) validate(address, direction string, schemaDoc map[string]any, doc any) error {
	if schemaDoc == nil {
		return nil
	}
	key := address + ":" + direction
	schema, ok := c.cache.Get(key)
	if !ok {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaDoc))
		if err != nil {
			return taskerr.Schema("tool %s: compile %s schema: %v", address, direction, err)
		}
		c.cache.Add(key, compiled)
		schema = compiled
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return taskerr.Schema("tool %s: validate %s: %v", address, direction, err)
	}
	if !result.Valid() {
		return taskerr.Schema("tool %s: %s rejected: %s", address, direction, describeViolations(result))
	}
	return nil
}

func describeViolations(result *gojsonschema.Result) string {
	violations := result.Errors()
	parts := make([]string, 0, len(violations))
	for i, violation := range violations {
		if i == 3 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, violation.String())
	}
	return strings.Join(parts, "; ")
}
