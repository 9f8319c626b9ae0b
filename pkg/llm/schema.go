package llm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// Schema is a compiled JSON Schema for validating structured model output.
type Schema struct {
	name        string
	fingerprint string
	compiled    *jsonschema.Schema
}

// CompileSchema compiles a raw JSON Schema document. name identifies the
// schema in error messages and cache fingerprints.
func CompileSchema(name string, raw []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "llm.schema", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "llm.schema", err)
	}

	digest := sha256.Sum256(raw)
	return &Schema{
		name:        name,
		fingerprint: hex.EncodeToString(digest[:8]),
		compiled:    compiled,
	}, nil
}

// MustCompileSchema is CompileSchema for package-level schema literals.
func MustCompileSchema(name string, raw []byte) *Schema {
	s, err := CompileSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema's identifier.
func (s *Schema) Name() string { return s.name }

// Fingerprint returns a short digest of the schema document, folded into
// cache keys so schema changes invalidate cached responses.
func (s *Schema) Fingerprint() string { return s.fingerprint }

// Validate checks that content parses as JSON and conforms to the schema.
// Violations come back as SchemaViolation faults carrying the first
// validation failure.
func (s *Schema) Validate(content string) error {
	var doc any
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &doc); err != nil {
		return fault.Newf(fault.KindSchemaViolation,
			"%s: response is not valid JSON: %v", s.name, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fault.Newf(fault.KindSchemaViolation, "%s: %v", s.name, err)
	}
	return nil
}

// Decode validates content and unmarshals it into out.
func (s *Schema) Decode(content string, out any) error {
	if err := s.Validate(content); err != nil {
		return err
	}
	return json.Unmarshal([]byte(ExtractJSON(content)), out)
}

// ExtractJSON strips a markdown code fence around a JSON payload. Models
// often wrap structured output in ```json fences despite instructions.
func ExtractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}
