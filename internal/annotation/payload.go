package annotation

import (
	"encoding/json"
	"fmt"
)

// The payload types below are only decoded by tool adapters; the cache and
// the persistence engine treat Record.Data as opaque bytes.

const (
	DefaultHighlightColor = "#ffff00"
	DefaultStrokeColor    = "#000000"
	DefaultStrokeWidth    = 2
	DefaultFontSize       = 14
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Path struct {
	Points []Point `json:"points"`
}

type HighlightData struct {
	Rects []Rect `json:"rects"`
	Color string `json:"color"`
	Text  string `json:"text,omitempty"`
}

type MarkerData struct {
	Paths []Path `json:"paths"`
	Color string `json:"color"`
	Width int    `json:"width"`
}

type TextData struct {
	Text     string `json:"text"`
	Position Point  `json:"position"`
	Color    string `json:"color"`
	FontSize int    `json:"fontSize"`
}

type ShapeData struct {
	ShapeType string  `json:"shapeType"`
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	Width     int     `json:"width"`
	Fill      *string `json:"fill"`
}

type NoteData struct {
	Text     string `json:"text"`
	Position Point  `json:"position"`
	Color    string `json:"color,omitempty"`
}

func (d *HighlightData) applyDefaults() {
	if d.Color == "" {
		d.Color = DefaultHighlightColor
	}
}

func (d *MarkerData) applyDefaults() {
	if d.Color == "" {
		d.Color = DefaultStrokeColor
	}
	if d.Width <= 0 {
		d.Width = DefaultStrokeWidth
	}
}

func (d *TextData) applyDefaults() {
	if d.Color == "" {
		d.Color = DefaultStrokeColor
	}
	if d.FontSize <= 0 {
		d.FontSize = DefaultFontSize
	}
}

func (d *ShapeData) applyDefaults() {
	if d.ShapeType == "" {
		d.ShapeType = "rectangle"
	}
	if d.Color == "" {
		d.Color = DefaultStrokeColor
	}
	if d.Width <= 0 {
		d.Width = DefaultStrokeWidth
	}
}

func (d *NoteData) applyDefaults() {}

// Payload is satisfied by the typed tool payloads.
type Payload interface {
	*HighlightData | *MarkerData | *TextData | *ShapeData | *NoteData
	applyDefaults()
}

// EncodePayload fills the defaults the viewer has always used and marshals v.
func EncodePayload[P Payload](v P) (json.RawMessage, error) {
	v.applyDefaults()
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecodePayload decodes r.Data into v and applies defaults for missing fields.
func DecodePayload[P Payload](r Record, v P) error {
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, v); err != nil {
			return fmt.Errorf("decode %s payload for %s: %w", r.Type, r.ID, err)
		}
	}
	v.applyDefaults()
	return nil
}
