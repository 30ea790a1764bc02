package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

// Item pairs a stored record with its decoded payload.
type Item[P annotation.Payload] struct {
	Record annotation.Record
	Data   P
}

type RedrawFunc func(page int, records []annotation.Record)

type base struct {
	iface    *Interface
	typ      annotation.Type
	onRedraw RedrawFunc

	mu       sync.Mutex
	lastPage int
	drawn    []annotation.Record
}

func (b *base) Type() annotation.Type {
	return b.typ
}

func (b *base) Redraw(page int, records []annotation.Record) {
	b.mu.Lock()
	b.lastPage = page
	b.drawn = records
	b.mu.Unlock()
	if b.onRedraw != nil {
		b.onRedraw(page, records)
	}
}

// Drawn reports what the last redraw put on screen.
func (b *base) Drawn() (int, []annotation.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPage, append([]annotation.Record(nil), b.drawn...)
}

func (b *base) Remove(id string) error {
	return b.iface.DeleteAnnotation(annotation.Record{ID: id, Type: b.typ})
}

func (b *base) Clear(page int) int {
	if page < 1 {
		return b.iface.ClearAnnotationsByType(b.typ)
	}
	return b.iface.ClearAnnotationsForPage(page, b.typ)
}

func (b *base) Records(page int) []annotation.Record {
	return b.iface.GetAnnotationsForPage(page, b.typ)
}

func add[P annotation.Payload](b *base, page int, data P, config json.RawMessage) (annotation.Record, error) {
	encoded, err := annotation.EncodePayload(data)
	if err != nil {
		return annotation.Record{}, err
	}
	rec := annotation.Record{
		ID:      fmt.Sprintf("%s_%s", b.typ, uuid.NewString()),
		Type:    b.typ,
		PageNum: page,
		Data:    encoded,
		Config:  config,
	}
	if err := b.iface.SaveAnnotation(rec); err != nil {
		return annotation.Record{}, err
	}
	return rec, nil
}

func update[P annotation.Payload](b *base, rec annotation.Record, data P) error {
	encoded, err := annotation.EncodePayload(data)
	if err != nil {
		return err
	}
	rec.Data = encoded
	rec.Timestamp = annotation.Timestamp{}
	return b.iface.SaveAnnotation(rec)
}

func items[P annotation.Payload](b *base, page int, alloc func() P) ([]Item[P], error) {
	records := b.Records(page)
	out := make([]Item[P], 0, len(records))
	for _, rec := range records {
		data := alloc()
		if err := annotation.DecodePayload(rec, data); err != nil {
			return nil, err
		}
		out = append(out, Item[P]{Record: rec, Data: data})
	}
	return out, nil
}

type Highlighter struct{ base }

func NewHighlighter(iface *Interface, onRedraw RedrawFunc) (*Highlighter, error) {
	t := &Highlighter{base: base{iface: iface, typ: annotation.TypeHighlight, onRedraw: onRedraw}}
	return t, iface.RegisterTool(t)
}

func (t *Highlighter) Add(page int, data annotation.HighlightData) (annotation.Record, error) {
	return add(&t.base, page, &data, nil)
}

func (t *Highlighter) Update(rec annotation.Record, data annotation.HighlightData) error {
	return update(&t.base, rec, &data)
}

func (t *Highlighter) Items(page int) ([]Item[*annotation.HighlightData], error) {
	return items(&t.base, page, func() *annotation.HighlightData { return &annotation.HighlightData{} })
}

// Marker is the freehand ink tool. A stroke in progress keeps the engine on
// its active cadence.
type Marker struct{ base }

func NewMarker(iface *Interface, onRedraw RedrawFunc) (*Marker, error) {
	t := &Marker{base: base{iface: iface, typ: annotation.TypeMarker, onRedraw: onRedraw}}
	return t, iface.RegisterTool(t)
}

func (t *Marker) BeginStroke() {
	t.iface.SetToolActive(true)
}

func (t *Marker) EndStroke(page int, data annotation.MarkerData) (annotation.Record, error) {
	t.iface.SetToolActive(true)
	return add(&t.base, page, &data, nil)
}

func (t *Marker) Deactivate() {
	t.iface.SetToolActive(false)
}

func (t *Marker) Items(page int) ([]Item[*annotation.MarkerData], error) {
	return items(&t.base, page, func() *annotation.MarkerData { return &annotation.MarkerData{} })
}

type TextTool struct{ base }

func NewTextTool(iface *Interface, onRedraw RedrawFunc) (*TextTool, error) {
	t := &TextTool{base: base{iface: iface, typ: annotation.TypeText, onRedraw: onRedraw}}
	return t, iface.RegisterTool(t)
}

func (t *TextTool) Add(page int, data annotation.TextData) (annotation.Record, error) {
	return add(&t.base, page, &data, nil)
}

func (t *TextTool) Update(rec annotation.Record, data annotation.TextData) error {
	return update(&t.base, rec, &data)
}

func (t *TextTool) Items(page int) ([]Item[*annotation.TextData], error) {
	return items(&t.base, page, func() *annotation.TextData { return &annotation.TextData{} })
}

type ShapeTool struct{ base }

func NewShapeTool(iface *Interface, onRedraw RedrawFunc) (*ShapeTool, error) {
	t := &ShapeTool{base: base{iface: iface, typ: annotation.TypeShape, onRedraw: onRedraw}}
	return t, iface.RegisterTool(t)
}

func (t *ShapeTool) Add(page int, data annotation.ShapeData) (annotation.Record, error) {
	return add(&t.base, page, &data, nil)
}

func (t *ShapeTool) Items(page int) ([]Item[*annotation.ShapeData], error) {
	return items(&t.base, page, func() *annotation.ShapeData { return &annotation.ShapeData{} })
}

type NoteTool struct{ base }

func NewNoteTool(iface *Interface, onRedraw RedrawFunc) (*NoteTool, error) {
	t := &NoteTool{base: base{iface: iface, typ: annotation.TypeNote, onRedraw: onRedraw}}
	return t, iface.RegisterTool(t)
}

func (t *NoteTool) Add(page int, data annotation.NoteData) (annotation.Record, error) {
	return add(&t.base, page, &data, nil)
}

func (t *NoteTool) Update(rec annotation.Record, data annotation.NoteData) error {
	return update(&t.base, rec, &data)
}

func (t *NoteTool) Items(page int) ([]Item[*annotation.NoteData], error) {
	return items(&t.base, page, func() *annotation.NoteData { return &annotation.NoteData{} })
}
