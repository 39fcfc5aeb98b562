package tools

import (
	"testing"
)

func TestBuiltinsResolvable(t *testing.T) {
	r := NewRegistry()
	for _, address := range []string{"echo", "const", "sleep", "flaky"} {
		spec, ok := r.Lookup(address)
		if !ok {
			t.Fatalf("builtin %s not resolvable", address)
		}
		if spec.Transport != TransportBuiltin {
			t.Fatalf("builtin %s transport = %s", address, spec.Transport)
		}
	}
	if _, ok := r.Lookup("no.such.tool"); ok {
		t.Fatal("unknown address resolved")
	}
}

func TestCatalogShadowsBuiltins(t *testing.T) {
	r := NewRegistry()
	r.SetCatalog([]Spec{{
		Address:   "echo",
		Transport: TransportHTTP,
		Endpoint:  "http://tools.internal/echo",
	}})

	spec, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("echo not resolvable")
	}
	if spec.Transport != TransportHTTP {
		t.Fatalf("catalog entry should shadow builtin, transport = %s", spec.Transport)
	}

	// Replacing the catalog uncovers the builtin again.
	r.SetCatalog(nil)
	spec, _ = r.Lookup("echo")
	if spec.Transport != TransportBuiltin {
		t.Fatalf("builtin should be restored, transport = %s", spec.Transport)
	}
}

func TestListIsSortedAndShadowed(t *testing.T) {
	r := NewRegistry()
	r.SetCatalog([]Spec{
		{Address: "weather.fetch", Transport: TransportHTTP, Endpoint: "http://w/f"},
		{Address: "echo", Transport: TransportHTTP, Endpoint: "http://w/e"},
	})

	specs := r.List()
	seen := map[string]Spec{}
	for i := 1; i < len(specs); i++ {
		if specs[i-1].Address >= specs[i].Address {
			t.Fatalf("list not sorted: %s before %s", specs[i-1].Address, specs[i].Address)
		}
	}
	for _, spec := range specs {
		seen[spec.Address] = spec
	}
	if seen["echo"].Transport != TransportHTTP {
		t.Fatal("list should apply catalog shadowing")
	}
	if _, ok := seen["weather.fetch"]; !ok {
		t.Fatal("catalog entry missing from list")
	}
	if _, ok := seen["flaky"]; !ok {
		t.Fatal("builtin missing from list")
	}
}

func TestSpecTimeoutDefault(t *testing.T) {
	if got := (Spec{}).Timeout().Seconds(); got != 30 {
		t.Fatalf("default timeout = %vs", got)
	}
	if got := (Spec{TimeoutSeconds: 5}).Timeout().Seconds(); got != 5 {
		t.Fatalf("explicit timeout = %vs", got)
	}
}

func TestParseCatalog(t *testing.T) {
	specs, err := parseCatalog([]byte(`
tools:
  - address: weather.fetch
    transport: http
    endpoint: https://tools.internal/weather
    timeout_seconds: 10
    scopes_required: [weather:read]
    input_schema:
      type: object
      properties:
        city: {type: string}
      required: [city]
    output_schema:
      type: object
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs", len(specs))
	}
	spec := specs[0]
	if spec.Address != "weather.fetch" || spec.Endpoint != "https://tools.internal/weather" {
		t.Fatalf("spec mismatch: %+v", spec)
	}
	if spec.TimeoutSeconds != 10 || len(spec.ScopesRequired) != 1 {
		t.Fatalf("spec mismatch: %+v", spec)
	}
	if spec.InputSchema["type"] != "object" {
		t.Fatalf("input schema not decoded: %+v", spec.InputSchema)
	}
}

func TestParseCatalogRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing address", "tools:\n  - transport: http\n    endpoint: http://x/y\n"},
		{"duplicate address", "tools:\n  - {address: a, transport: http, endpoint: http://x/y}\n  - {address: a, transport: http, endpoint: http://x/z}\n"},
		{"builtin transport reserved", "tools:\n  - {address: a, transport: builtin}\n"},
		{"unknown transport", "tools:\n  - {address: a, transport: grpc, endpoint: http://x/y}\n"},
		{"missing endpoint", "tools:\n  - {address: a, transport: http}\n"},
		{"bad scheme", "tools:\n  - {address: a, transport: http, endpoint: ftp://x/y}\n"},
		{"negative timeout", "tools:\n  - {address: a, transport: http, endpoint: http://x/y, timeout_seconds: -1}\n"},
		{"not yaml", "tools: [{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseCatalog([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadCatalogEmptyPath(t *testing.T) {
	specs, err := LoadCatalog("")
	if err != nil || specs != nil {
		t.Fatalf("empty path: specs=%v err=%v", specs, err)
	}
}
