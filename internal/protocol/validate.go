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

// Inbound payload schemas, compiled once at package init. ping carries no
// payload and is not listed.
var inboundSchemas = mustCompileInbound()

func mustCompileInbound() map[string]*jsonschema.Schema {
	events := []string{
		EventJoinGame,
		EventPlayerMove,
		EventBlockPlace,
		EventBlockRemove,
		EventChatMessage,
	}
	c := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(events))
	for _, ev := range events {
		name := "schemas/" + ev + ".schema.json"
		b, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("protocol: missing schema %s: %v", name, err))
		}
		if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
			panic(fmt.Sprintf("protocol: add schema %s: %v", name, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema %s: %v", name, err))
		}
		out[ev] = s
	}
	return out
}

// ValidateInbound checks a client payload against the event's schema.
// Unknown events and malformed payloads are rejected; callers drop them.
func ValidateInbound(event string, data []byte) error {
	s, ok := inboundSchemas[event]
	if !ok {
		if event == EventPing {
			return nil
		}
		return fmt.Errorf("unknown event %q", event)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%s: invalid json: %w", event, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}
