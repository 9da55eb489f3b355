package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

func writeYAML(w io.Writer, value any) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return encoder.Close()
}

// writeDocument renders value through its JSON encoding so both formats share field names
// and key order.
func writeDocument(w io.Writer, format string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(json.RawMessage(encoded))
	case formatYAML:
		var document yaml.Node
		if err := yaml.Unmarshal(encoded, &document); err != nil {
			return err
		}
		blockStyle(&document)
		return writeYAML(w, &document)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func blockStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		blockStyle(child)
	}
}
