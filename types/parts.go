package types

import (
	"encoding/json"
	"fmt"
)

// PartType is the discriminant of the Part tagged union.
type PartType string

// PartType enum values for the three message part kinds
const (
	PartTypeText PartType = "text"
	PartTypeFile PartType = "file"
	PartTypeData PartType = "data"
)

// String returns the string representation of the PartType
func (t PartType) String() string {
	return string(t)
}

// IsValid checks if the PartType is one of the supported values
func (t PartType) IsValid() bool {
	switch t {
	case PartTypeText, PartTypeFile, PartTypeData:
		return true
	default:
		return false
	}
}

// FilePart references or embeds a file exchanged between agents.
type FilePart struct {
	Path     string `json:"path"`
	Action   string `json:"action,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Part is a tagged union over text, file and data content. The wire form
// carries an explicit "type" discriminant; exactly one of Text, File or Data
// is set according to Type.
type Part struct {
	Type PartType       `json:"type"`
	Text string         `json:"text,omitempty"`
	File *FilePart      `json:"file,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// partWire mirrors Part for (un)marshaling without recursing into the custom
// methods.
type partWire struct {
	Type PartType       `json:"type"`
	Text string         `json:"text,omitempty"`
	File *FilePart      `json:"file,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// UnmarshalJSON validates the discriminant and that the matching payload
// field is present.
func (p *Part) UnmarshalJSON(data []byte) error {
	var wire partWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to unmarshal part: %w", err)
	}

	if !wire.Type.IsValid() {
		return fmt.Errorf("unsupported part type: %q", wire.Type)
	}

	switch wire.Type {
	case PartTypeFile:
		if wire.File == nil {
			return fmt.Errorf("file part missing file payload")
		}
	case PartTypeData:
		if wire.Data == nil {
			return fmt.Errorf("data part missing data payload")
		}
	}

	p.Type = wire.Type
	p.Text = wire.Text
	p.File = wire.File
	p.Data = wire.Data
	return nil
}

// MarshalJSON emits only the payload field selected by Type.
func (p Part) MarshalJSON() ([]byte, error) {
	wire := partWire{Type: p.Type}
	switch p.Type {
	case PartTypeText:
		wire.Text = p.Text
	case PartTypeFile:
		wire.File = p.File
	case PartTypeData:
		wire.Data = p.Data
	default:
		return nil, fmt.Errorf("unsupported part type: %q", p.Type)
	}
	return json.Marshal(wire)
}

// NewTextPart creates a text Part
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// NewFilePart creates a file Part
func NewFilePart(file FilePart) Part {
	return Part{Type: PartTypeFile, File: &file}
}

// NewDataPart creates a data Part
func NewDataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// UnmarshalParts unmarshals a slice of Parts with discriminant validation
func UnmarshalParts(data []byte) ([]Part, error) {
	var rawParts []json.RawMessage
	if err := json.Unmarshal(data, &rawParts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw parts: %w", err)
	}

	parts := make([]Part, len(rawParts))
	for i, rawPart := range rawParts {
		if err := parts[i].UnmarshalJSON(rawPart); err != nil {
			return nil, fmt.Errorf("failed to unmarshal part at index %d: %w", i, err)
		}
	}

	return parts, nil
}
