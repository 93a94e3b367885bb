package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeHello:                "hello.schema.json",
	TypeRegionDeleted:        "region_deleted.schema.json",
	TypeOwnershipTransferred: "ownership_transferred.schema.json",
	TypeAck:                  "ack.schema.json",
}

var schemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	out := map[string]*jsonschema.Schema{}
	for typ, name := range schemaFiles {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(err)
		}
		url := "mem://land/" + name
		if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
			panic(fmt.Sprintf("schema %s: %v", name, err))
		}
		out[typ] = c.MustCompile(url)
	}
	return out
}

// Validate checks a raw message against the schema of its type. Types
// without a schema are rejected.
func Validate(typ string, raw []byte) error {
	s, ok := schemas[typ]
	if !ok {
		return fmt.Errorf("unknown message type %q", typ)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
