package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/voicegate/internal/realtime"
)

// Definitions reflects the argument structs into the function tool list sent
// upstream with every conversation session.
func Definitions() []realtime.ToolDefinition {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	out := make([]realtime.ToolDefinition, 0, len(catalog))
	for _, d := range catalog {
		schema := reflector.Reflect(d.newArgs())
		schema.Version = ""
		schema.ID = ""
		params, err := json.Marshal(schema)
		if err != nil {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, realtime.ToolDefinition{
			Type:        "function",
			Name:        d.name,
			Description: d.description,
			Parameters:  params,
		})
	}
	return out
}
