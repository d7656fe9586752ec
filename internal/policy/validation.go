package policy

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var tableSchema []byte

// validateSchema checks the raw YAML document against the policy
// table schema before it is decoded into typed structs. This catches
// wrong shapes (string where list expected, negative priorities,
// missing tag names) with instance paths instead of decode panics.
func validateSchema(raw []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("policy-schema.json", bytes.NewReader(tableSchema)); err != nil {
		return fmt.Errorf("failed to add policy schema resource: %w", err)
	}
	schema, err := compiler.Compile("policy-schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile policy schema: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return formatValidationError(validationErr)
		}
		return err
	}
	return nil
}

// formatValidationError flattens a jsonschema error tree into one
// readable message listing every failing instance location.
func formatValidationError(err *jsonschema.ValidationError) error {
	var messages []string

	var collect func(*jsonschema.ValidationError)
	collect = func(e *jsonschema.ValidationError) {
		if e.Message != "" {
			location := e.InstanceLocation
			if location == "" {
				location = "(root)"
			}
			messages = append(messages, fmt.Sprintf("%s: %s", location, e.Message))
		}
		for _, cause := range e.Causes {
			collect(cause)
		}
	}
	collect(err)

	if len(messages) == 0 {
		return fmt.Errorf("validation failed")
	}
	return fmt.Errorf("schema violations:\n    - %s", strings.Join(messages, "\n    - "))
}
