package recipe

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/patcherr"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://forgex.local/schema/recipe.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add recipe schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Lint validates a YAML or JSON recipe document against the embedded schema.
func Lint(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return patcherr.Wrap(patcherr.KindInvalidRecipe, "parse", err)
	}
	// The validator expects the value model produced by encoding/json.
	raw, err := json.Marshal(doc)
	if err != nil {
		return patcherr.Wrap(patcherr.KindInvalidRecipe, "parse", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return patcherr.Wrap(patcherr.KindInvalidRecipe, "parse", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return patcherr.Wrap(patcherr.KindInvalidRecipe, "lint", err)
	}
	return nil
}

// Parse lints and decodes a recipe document. JSON documents are accepted
// because they are valid YAML.
func Parse(data []byte) (*Recipe, error) {
	if err := Lint(data); err != nil {
		return nil, err
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, patcherr.Wrap(patcherr.KindInvalidRecipe, "decode", err)
	}
	return &r, nil
}

// ParseFile reads and parses the recipe at path.
func ParseFile(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Source = path
	return r, nil
}

// Encode renders r in the persisted YAML form.
func Encode(r *Recipe) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil recipe")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
