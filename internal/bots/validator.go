package bots

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/kaptinlin/jsonschema"
)

// ValidateConfig validates a bot installation config against a JSON Schema file.
// An empty schema path accepts any config.
func ValidateConfig(schemaPath string, config map[string]interface{}) error {
	if schemaPath == "" {
		return nil
	}

	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaData)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	result := schema.Validate(config)
	if !result.IsValid() {
		var messages []string
		for field, evalErr := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", field, evalErr.Error()))
		}
		sort.Strings(messages)
		return apperr.Validation("bot config validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
