package domain

import (
	"encoding/json"
	"fmt"
)

// Document is a signaling record: a JSON-compatible field map.
type Document map[string]interface{}

// NewDocument converts v into a Document through its JSON form.
func NewDocument(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}

// Decode fills v from the document fields.
func (d Document) Decode(v interface{}) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// Normalize returns a deep copy restricted to JSON value types.
func (d Document) Normalize() (Document, error) {
	if d == nil {
		return Document{}, nil
	}
	return NewDocument(d)
}
