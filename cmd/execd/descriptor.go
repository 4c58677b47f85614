package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/execd/internal/model"
)

// readDescriptor loads a descriptor from a YAML or JSON file, or stdin for "-".
// YAML is decoded generically and re-encoded so the descriptor keeps a
// single set of field names.
func readDescriptor(path string) (*model.ExecutionDescriptor, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	var desc model.ExecutionDescriptor
	if err := json.Unmarshal(encoded, &desc); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	return &desc, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
