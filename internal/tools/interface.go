package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
)

// Engine is the persistence surface the façade forwards to.
type Engine interface {
	SaveAnnotation(rec annotation.Record) error
	DeleteAnnotation(rec annotation.Record) error
	SaveAnnotationsForPage(page int, typ annotation.Type, recs []annotation.Record) error
	GetAnnotationsForPage(page int, typ annotation.Type) []annotation.Record
	GetAnnotationsByType(typ annotation.Type) map[int][]annotation.Record
	ClearAnnotationsByType(typ annotation.Type) int
	ClearAnnotationsForPage(page int, typ annotation.Type) int
	ClearAllAnnotations() int
	LoadAnnotations(ctx context.Context, seed annotation.Grouped) (annotation.Grouped, error)
	ForceSave(ctx context.Context) error
	SetToolActive(active bool)
	Statistics() persistence.Statistics
	Subscribe(fn func(persistence.Event)) (cancel func())
}

// Tool is a per-type adapter the façade redraws when the viewer changes page
// or the cache changes underneath it.
type Tool interface {
	Type() annotation.Type
	Redraw(page int, records []annotation.Record)
}

// Interface is the narrow surface tool adapters call. A nil error means the
// call was accepted and queued, not that it is durable; durability shows up
// as a Saved event or a successful ForceSave.
type Interface struct {
	engine Engine

	mu     sync.Mutex
	tools  map[annotation.Type]Tool
	page   int
	cancel func()
}

func New(engine Engine) *Interface {
	i := &Interface{
		engine: engine,
		tools:  map[annotation.Type]Tool{},
	}
	i.cancel = engine.Subscribe(i.onEvent)
	return i
}

// Detach stops redrawing on engine events. The engine itself stays usable.
func (i *Interface) Detach() {
	if i.cancel != nil {
		i.cancel()
	}
}

func (i *Interface) RegisterTool(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", persistence.ErrInvalidInput)
	}
	typ := annotation.Normalize(tool.Type())
	if typ == "" {
		return fmt.Errorf("%w: %q", annotation.ErrUnknownType, tool.Type())
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.tools[typ]; exists {
		return fmt.Errorf("%w: a %s tool is already registered", persistence.ErrInvalidInput, typ)
	}
	i.tools[typ] = tool
	return nil
}

// PageChanged records the visible page and has every tool redraw it.
func (i *Interface) PageChanged(page int) {
	i.mu.Lock()
	i.page = page
	i.mu.Unlock()
	i.redraw(page, nil)
}

func (i *Interface) CurrentPage() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.page
}

func (i *Interface) SaveAnnotation(rec annotation.Record) error {
	return i.engine.SaveAnnotation(rec)
}

func (i *Interface) DeleteAnnotation(rec annotation.Record) error {
	return i.engine.DeleteAnnotation(rec)
}

func (i *Interface) SaveAnnotationsForPage(page int, typ annotation.Type, recs []annotation.Record) error {
	return i.engine.SaveAnnotationsForPage(page, typ, recs)
}

func (i *Interface) GetAnnotationsForPage(page int, typ annotation.Type) []annotation.Record {
	return i.engine.GetAnnotationsForPage(page, typ)
}

func (i *Interface) GetAnnotationsByType(typ annotation.Type) map[int][]annotation.Record {
	return i.engine.GetAnnotationsByType(typ)
}

func (i *Interface) ClearAnnotationsByType(typ annotation.Type) int {
	return i.engine.ClearAnnotationsByType(typ)
}

func (i *Interface) ClearAnnotationsForPage(page int, typ annotation.Type) int {
	return i.engine.ClearAnnotationsForPage(page, typ)
}

func (i *Interface) ClearAllAnnotations() int {
	return i.engine.ClearAllAnnotations()
}

func (i *Interface) LoadAnnotations(ctx context.Context, seed annotation.Grouped) (annotation.Grouped, error) {
	return i.engine.LoadAnnotations(ctx, seed)
}

func (i *Interface) ForceSave(ctx context.Context) error {
	return i.engine.ForceSave(ctx)
}

func (i *Interface) SetToolActive(active bool) {
	i.engine.SetToolActive(active)
}

func (i *Interface) GetStorageStatistics() persistence.Statistics {
	return i.engine.Statistics()
}

// Subscribe forwards engine events unchanged.
func (i *Interface) Subscribe(fn func(persistence.Event)) (cancel func()) {
	return i.engine.Subscribe(fn)
}

func (i *Interface) onEvent(ev persistence.Event) {
	page := i.CurrentPage()
	if page < 1 {
		return
	}
	switch ev := ev.(type) {
	case persistence.Loaded:
		i.redraw(page, nil)
	case persistence.Cleared:
		if ev.Page == 0 || ev.Page == page {
			i.redraw(page, typeFilter(ev.Type))
		}
	case persistence.Cached, persistence.Deleted, persistence.LoadFailed, persistence.Saved, persistence.SaveFailed:
	}
}

func typeFilter(typ annotation.Type) map[annotation.Type]bool {
	if typ == "" {
		return nil
	}
	return map[annotation.Type]bool{typ: true}
}

// redraw hands each tool (or only the tools in only) its records for page,
// in type order.
func (i *Interface) redraw(page int, only map[annotation.Type]bool) {
	i.mu.Lock()
	tools := make([]Tool, 0, len(i.tools))
	for typ, tool := range i.tools {
		if only == nil || only[typ] {
			tools = append(tools, tool)
		}
	}
	i.mu.Unlock()
	sort.Slice(tools, func(a, b int) bool { return tools[a].Type() < tools[b].Type() })
	for _, tool := range tools {
		tool.Redraw(page, i.engine.GetAnnotationsForPage(page, annotation.Normalize(tool.Type())))
	}
}
