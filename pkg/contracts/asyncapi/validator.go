package asyncapi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
)

//go:embed routing-events.yaml
var routingEventsSpec []byte

const (
	documentURI    = "asyncapi://routing-events.json"
	envelopeSchema = "EventEnvelope"
	eventTypeKey   = "x-event-type"
)

// EventValidator validates envelopes against the schemas of an AsyncAPI document
type EventValidator struct {
	envelope   *jsonschema.Schema
	schemas    map[events.EventType]*jsonschema.Schema
	rawSchemas map[events.EventType]map[string]interface{}
}

// AsyncAPISpec represents the relevant parts of an AsyncAPI specification.
type AsyncAPISpec struct {
	AsyncAPI   string                     `yaml:"asyncapi"`
	Info       AsyncAPIInfo               `yaml:"info"`
	Channels   map[string]AsyncAPIChannel `yaml:"channels"`
	Components AsyncAPIComponents         `yaml:"components"`
}

// AsyncAPIInfo contains AsyncAPI info section.
type AsyncAPIInfo struct {
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
}

// AsyncAPIChannel represents a channel in AsyncAPI.
type AsyncAPIChannel struct {
	Address  string                 `yaml:"address"`
	Messages map[string]interface{} `yaml:"messages"`
}

// AsyncAPIComponents contains reusable components.
type AsyncAPIComponents struct {
	Schemas  map[string]interface{} `yaml:"schemas"`
	Messages map[string]interface{} `yaml:"messages"`
}

// NewRoutingEventValidator builds a validator from the embedded routing
// events document.
func NewRoutingEventValidator() (*EventValidator, error) {
	return NewEventValidatorFromBytes(routingEventsSpec)
}

// NewEventValidator creates a new event validator from an AsyncAPI specification file.
func NewEventValidator(asyncAPIPath string) (*EventValidator, error) {
	data, err := os.ReadFile(asyncAPIPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read AsyncAPI spec: %w", err)
	}

	return NewEventValidatorFromBytes(data)
}

// NewEventValidatorFromBytes creates a new event validator from AsyncAPI
// specification bytes. Schemas tagged with x-event-type become payload
// schemas; the EventEnvelope schema, when present, validates the envelope
// itself.
func NewEventValidatorFromBytes(specBytes []byte) (*EventValidator, error) {
	var spec AsyncAPISpec
	if err := yaml.Unmarshal(specBytes, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse AsyncAPI spec: %w", err)
	}

	var document interface{}
	if err := yaml.Unmarshal(specBytes, &document); err != nil {
		return nil, fmt.Errorf("failed to parse AsyncAPI spec: %w", err)
	}
	docJSON, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to convert AsyncAPI spec to JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(docJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode AsyncAPI spec: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(documentURI, doc); err != nil {
		return nil, fmt.Errorf("failed to add AsyncAPI resource: %w", err)
	}

	v := &EventValidator{
		schemas:    make(map[events.EventType]*jsonschema.Schema),
		rawSchemas: make(map[events.EventType]map[string]interface{}),
	}

	for name, schema := range spec.Components.Schemas {
		schemaMap, ok := schema.(map[string]interface{})
		if !ok {
			continue
		}

		location := fmt.Sprintf("%s#/components/schemas/%s", documentURI, name)

		if name == envelopeSchema {
			compiled, err := compiler.Compile(location)
			if err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", name, err)
			}
			v.envelope = compiled
			continue
		}

		eventType, ok := schemaMap[eventTypeKey].(string)
		if !ok || eventType == "" {
			continue
		}

		compiled, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", name, err)
		}

		v.schemas[events.EventType(eventType)] = compiled
		v.rawSchemas[events.EventType(eventType)] = schemaMap
	}

	return v, nil
}

// ValidateEnvelope validates the envelope headers and its typed payload
func (v *EventValidator) ValidateEnvelope(env *events.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}
	if env.Data == nil {
		return fmt.Errorf("event data is required")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return v.ValidateEnvelopeJSON(body)
}

// ValidateEnvelopeJSON validates an envelope from JSON bytes
func (v *EventValidator) ValidateEnvelopeJSON(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse envelope: %w", err)
	}

	if v.envelope != nil {
		if err := v.envelope.Validate(instance); err != nil {
			return fmt.Errorf("envelope validation failed: %w", err)
		}
	}

	fields, ok := instance.(map[string]interface{})
	if !ok {
		return fmt.Errorf("envelope must be a JSON object")
	}
	eventType, _ := fields["eventType"].(string)
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}

	schema, ok := v.schemas[events.EventType(eventType)]
	if !ok {
		return fmt.Errorf("no schema found for event type: %s", eventType)
	}

	if err := schema.Validate(fields["data"]); err != nil {
		return fmt.Errorf("event data validation failed for type %s: %w", eventType, err)
	}

	return nil
}

// GetSupportedEventTypes returns all event types that have registered schemas
func (v *EventValidator) GetSupportedEventTypes() []events.EventType {
	types := make([]events.EventType, 0, len(v.schemas))
	for eventType := range v.schemas {
		types = append(types, eventType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// HasSchema checks if a schema exists for the given event type
func (v *EventValidator) HasSchema(eventType events.EventType) bool {
	_, ok := v.schemas[eventType]
	return ok
}

// GetSchema returns the raw schema for a given event type
func (v *EventValidator) GetSchema(eventType events.EventType) (map[string]interface{}, bool) {
	schema, ok := v.rawSchemas[eventType]
	return schema, ok
}
