package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const widgetSchemaURL = "widget.schema.json"

//go:embed widget.schema.json
var widgetSchemaJSON []byte

var widgetSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(widgetSchemaURL, bytes.NewReader(widgetSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add widget schema: %w", err)
	}
	schema, err := compiler.Compile(widgetSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile widget schema: %w", err)
	}
	return schema, nil
})

// Widget is the JSON widget document.
type Widget struct {
	AgentID           string   `json:"agentId"`
	AgentName         string   `json:"agentName,omitempty"`
	TransferAgentID   string   `json:"transferAgentId,omitempty"`
	TransferAgentName string   `json:"transferAgentName,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	ServerURL         string   `json:"serverUrl,omitempty"`
	RoomURL           string   `json:"roomUrl,omitempty"`
	TriggerPhrases    []string `json:"triggerPhrases,omitempty"`
}

// LoadWidgetFile reads and validates the widget document at path.
func LoadWidgetFile(path string) (Widget, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Widget{}, fmt.Errorf("read widget file: %w", err)
	}
	return ParseWidget(raw)
}

// ParseWidget validates raw against the widget schema and decodes it.
func ParseWidget(raw []byte) (Widget, error) {
	schema, err := widgetSchema()
	if err != nil {
		return Widget{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Widget{}, fmt.Errorf("decode widget file: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return Widget{}, fmt.Errorf("invalid widget file: %w", err)
	}

	var w Widget
	if err := json.Unmarshal(raw, &w); err != nil {
		return Widget{}, fmt.Errorf("decode widget file: %w", err)
	}
	return w, nil
}
