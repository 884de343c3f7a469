package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/policy_rule.schema.json schema/adapter_spec.schema.json
var schemaFS embed.FS

var (
	schemaOnce        sync.Once
	schemaErr         error
	policyRuleSchema  *jsonschema.Schema
	adapterSpecSchema *jsonschema.Schema
)

// compileSchemas compiles the bundled JSON Schema documents once per
// process, mirroring the teacher's gosuto.Validate's fail-fast-before-
// apply posture: a schema compile error must surface the first time any
// config is loaded, not be silently skipped.
func compileSchemas() error {
	schemaOnce.Do(func() {
		policyRuleSchema, schemaErr = compileSchema("schema/policy_rule.schema.json", "mu://policy_rule.schema.json")
		if schemaErr != nil {
			return
		}
		adapterSpecSchema, schemaErr = compileSchema("schema/adapter_spec.schema.json", "mu://adapter_spec.schema.json")
	})
	return schemaErr
}

func compileSchema(path, url string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read embedded schema %s: %w", path, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: register schema %s: %w", url, err)
	}
	return c.Compile(url)
}

// validateAgainstSchema re-encodes a YAML-decoded value through yaml.v3
// (so its yaml tags, not its Go field names, become the document's keys)
// and then through encoding/json before handing it to jsonschema, since
// yaml.v3 and encoding/json don't agree on every Go type for the same JSON
// value (map[string]interface{} keys, int vs float64 for numbers);
// round-tripping through json.Marshal/Unmarshal guarantees jsonschema sees
// exactly what it would have seen validating a hand-written JSON document.
func validateAgainstSchema(schema *jsonschema.Schema, yamlDecoded interface{}) error {
	yamlRaw, err := yaml.Marshal(yamlDecoded)
	if err != nil {
		return fmt.Errorf("config: re-marshal yaml for schema validation: %w", err)
	}
	var generic interface{}
	if err := yaml.Unmarshal(yamlRaw, &generic); err != nil {
		return fmt.Errorf("config: decode yaml for schema validation: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("config: re-marshal for schema validation: %w", err)
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("config: decode for schema validation: %w", err)
	}
	return schema.Validate(instance)
}

// validatePolicyDoc validates the policy sub-document against the bundled
// policy-rule schema.
func validatePolicyDoc(doc PolicyConfig) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	if err := validateAgainstSchema(policyRuleSchema, doc); err != nil {
		return fmt.Errorf("config: policy document failed schema validation: %w", err)
	}
	return nil
}

// validateAdaptersDoc validates the adapter sub-document against the
// bundled adapter-spec schema.
func validateAdaptersDoc(doc AdaptersConfig) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	if err := validateAgainstSchema(adapterSpecSchema, doc); err != nil {
		return fmt.Errorf("config: adapter document failed schema validation: %w", err)
	}
	return nil
}
