package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const nodePatchSchema = `{
  "type": "object",
  "minProperties": 1,
  "properties": {
    "baselineHash": {"type": "string", "pattern": "^([0-9a-f]{64})?$"},
    "conflictStrategy": {"enum": ["", "force", "skip"]}
  }
}`

const syncMarkSchema = `{
  "type": "object",
  "required": ["gitHash"],
  "additionalProperties": false,
  "properties": {
    "gitHash": {"type": "string", "minLength": 1, "maxLength": 128},
    "syncedAt": {"type": "string", "minLength": 1},
    "contentHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

type bodySchemas struct {
	patch *jsonschema.Schema
	sync  *jsonschema.Schema
}

func compileBodySchemas() (bodySchemas, error) {
	patch, err := compileSchema("node-patch.json", nodePatchSchema)
	if err != nil {
		return bodySchemas{}, err
	}
	sync, err := compileSchema("sync-mark.json", syncMarkSchema)
	if err != nil {
		return bodySchemas{}, err
	}
	return bodySchemas{patch: patch, sync: sync}, nil
}

func compileSchema(name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return c.Compile(name)
}

// validateBody checks raw JSON against schema and returns a one-line reason
// on failure.
func validateBody(schema *jsonschema.Schema, body []byte) (string, bool) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "invalid json body", false
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return firstLeafMessage(verr), false
		}
		return err.Error(), false
	}
	return "", true
}

func firstLeafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	lines := strings.Split(strings.TrimSpace(verr.Error()), "\n")
	last := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[len(lines)-1]), "-"))
	return "invalid body " + last
}
