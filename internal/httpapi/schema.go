package httpapi

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request envelope schemas. They pin down only what the sanitizer cannot
// repair: the team key on single writes and the teams array on bulk writes.
// Everything else is deliberately left open so a malformed field degrades to
// its default instead of failing the request.
const teamStateSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["team"],
	"properties": {
		"team": {"type": "string", "minLength": 1}
	}
}`

const bulkPushSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["teams"],
	"properties": {
		"teams": {
			"type": "array",
			"items": {"type": "object"}
		}
	}
}`

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}
