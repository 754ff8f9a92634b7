// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the manifest schema.
const SchemaID = "https://holomush.dev/schemas/package.schema.json"

var (
	schemaMu    sync.Mutex
	schemaCache *jschema.Schema
)

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "modrt Package Manifest"
	schema.Description = "Schema for package.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("pkgrt").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema validates YAML data against the manifest JSON Schema.
func ValidateSchema(data []byte) error {
	b := oops.In("pkgrt").Code(CodeInvalidManifest)
	if len(data) == 0 {
		return b.Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return b.Wrapf(err, "invalid YAML")
	}

	sch, err := compiledSchema()
	if err != nil {
		return oops.In("pkgrt").Wrapf(err, "compile schema")
	}

	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return b.Wrapf(err, "schema validation failed")
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if schemaCache != nil {
		return schemaCache, nil
	}

	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("package.schema.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("package.schema.json")
	if err != nil {
		return nil, err
	}
	schemaCache = sch
	return sch, nil
}

// toJSONTypes converts what yaml.v3 decodes into values the validator
// understands.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toJSONTypes(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toJSONTypes(e)
		}
		return out
	case nil, string, bool, int, int64, float64:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var out any
			if err := json.Unmarshal(b, &out); err == nil {
				return out
			}
		}
		return val
	}
}

// FormatSchemaError strips wrapping so only the validator's message is
// left for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "schema validation failed: "); i >= 0 {
		msg = msg[i+len("schema validation failed: "):]
	}
	return msg
}
