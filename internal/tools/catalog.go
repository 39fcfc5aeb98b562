package tools

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Tools []catalogEntry `yaml:"tools"`
}

type catalogEntry struct {
	Address        string         `yaml:"address"`
	Transport      string         `yaml:"transport"`
	Endpoint       string         `yaml:"endpoint"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	ScopesRequired []string       `yaml:"scopes_required"`
	InputSchema    map[string]any `yaml:"input_schema"`
	OutputSchema   map[string]any `yaml:"output_schema"`
}

// LoadCatalog reads a YAML tool catalog from disk. An empty path yields
// an empty catalog, leaving only the builtins resolvable.
func LoadCatalog(path string) ([]Spec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	specs, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("tool catalog %s: %w", path, err)
	}
	return specs, nil
}

func parseCatalog(data []byte) ([]Spec, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	specs := make([]Spec, 0, len(file.Tools))
	seen := map[string]bool{}
	for i, entry := range file.Tools {
		if entry.Address == "" {
			return nil, fmt.Errorf("entry %d: address is required", i)
		}
		if seen[entry.Address] {
			return nil, fmt.Errorf("entry %d: duplicate address %q", i, entry.Address)
		}
		seen[entry.Address] = true
		if entry.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("tool %s: timeout_seconds must not be negative", entry.Address)
		}

		// Catalog entries describe external tools only; the builtin
		// transport is reserved for the compiled-in test tools.
		if entry.Transport != TransportHTTP {
			return nil, fmt.Errorf("tool %s: unsupported transport %q", entry.Address, entry.Transport)
		}
		if err := checkEndpoint(entry.Endpoint); err != nil {
			return nil, fmt.Errorf("tool %s: %w", entry.Address, err)
		}

		specs = append(specs, Spec{
			Address:        entry.Address,
			Transport:      entry.Transport,
			Endpoint:       entry.Endpoint,
			InputSchema:    entry.InputSchema,
			OutputSchema:   entry.OutputSchema,
			TimeoutSeconds: entry.TimeoutSeconds,
			ScopesRequired: entry.ScopesRequired,
		})
	}
	return specs, nil
}

func checkEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required for http transport")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}
