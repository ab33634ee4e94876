package artifact

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaNames maps artifact kinds to their embedded schema documents.
// Timings, reward and log payloads are free-form and carry no schema.
var schemaNames = map[Kind]string{
	KindProposal: "proposal.json",
	KindMetadata: "metadata.json",
	KindResult:   "result.json",
	KindFailure:  "failure.json",
}

// compileSchemas loads and compiles every embedded schema. Called once by
// NewWriter; a compile failure means the binary itself is broken.
func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for _, name := range schemaNames {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	out := make(map[Kind]*jsonschema.Schema, len(schemaNames))
	for kind, name := range schemaNames {
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[kind] = schema
	}
	return out, nil
}

// validate checks encoded payload bytes against the schema for kind, if one
// is declared. The payload is decoded to a generic document first because
// the validator operates on decoded JSON, not Go structs.
func (w *Writer) validate(kind Kind, encoded []byte) error {
	schema, ok := w.schemas[kind]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return &SchemaError{Kind: kind, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaError{Kind: kind, Err: err}
	}
	return nil
}
