package services

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskmarket/backend/internal/apperr"
)

// Request body schemas, keyed by file name without ".v1.json".
const (
	SchemaTask        = "task"
	SchemaOffer       = "offer"
	SchemaReview      = "review"
	SchemaCredentials = "credentials"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks request bodies against the embedded JSON schemas before
// they are decoded, so malformed shapes become 400s with a precise message.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".json"), ".v1")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		id := "https://taskmarket.dev/schemas/" + name + ".json"
		if err := compiler.AddResource(id, strings.NewReader(string(data))); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		schemas[name], err = compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate is a hard reject: body must be JSON matching the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperr.Validation("invalid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}
