package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"idia-astro/go-remotemon/pkg/shared/defs"
)

// TypeVersion is answered by the gateway itself
const TypeVersion = "version"

const requestSchemaURL = "embed://request.json"

var ErrBadRequest = errors.New("Bad request")

// compileRequestSchema builds the schema every client message must satisfy. The type must be
// one of types.
func compileRequestSchema(types []string) (*jsonschema.Schema, error) {
	enum := make([]any, 0, len(types))
	for _, t := range types {
		enum = append(enum, t)
	}
	raw, err := json.Marshal(map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []string{"type", "args"},
		"properties": map[string]any{
			"type": map[string]any{"type": "string", "enum": enum},
			"args": map[string]any{"type": "array"},
		},
	})
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to load request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(requestSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(requestSchemaURL)
}

// parseRequest validates msg and decodes it. Any failure is ErrBadRequest.
func parseRequest(schema *jsonschema.Schema, msg []byte) (defs.ClientRequest, error) {
	var req defs.ClientRequest

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(msg))
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := schema.Validate(inst); err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Args == nil {
		req.Args = []json.RawMessage{}
	}
	return req, nil
}
