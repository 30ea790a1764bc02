package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidRecord = errors.New("invalid annotation record")
	ErrUnknownType   = errors.New("unknown annotation type")
)

type Type string

const (
	TypeHighlight Type = "highlight"
	TypeMarker    Type = "marker"
	TypeText      Type = "text"
	TypeShape     Type = "shape"
	TypeNote      Type = "note"
)

// Types lists every annotation type in a stable order.
var Types = []Type{TypeHighlight, TypeMarker, TypeText, TypeShape, TypeNote}

// ParseType accepts the canonical names plus the aliases older clients send
// ("ink" and "drawing" for freehand strokes, "sticky" for notes).
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "highlight":
		return TypeHighlight, nil
	case "marker", "ink", "drawing":
		return TypeMarker, nil
	case "text":
		return TypeText, nil
	case "shape":
		return TypeShape, nil
	case "note", "sticky":
		return TypeNote, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}

func (t Type) Valid() bool {
	switch t {
	case TypeHighlight, TypeMarker, TypeText, TypeShape, TypeNote:
		return true
	}
	return false
}

// Normalize maps aliases onto canonical types, returning "" for unknown ones.
func Normalize(t Type) Type {
	parsed, err := ParseType(string(t))
	if err != nil {
		return ""
	}
	return parsed
}

type Record struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	PageNum   int             `json:"pageNum"`
	UserID    string          `json:"userId"`
	BlockID   string          `json:"blockId"`
	Timestamp Timestamp       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var wire struct {
		plain
		PageNumber *int `json:"pageNumber"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*r = Record(wire.plain)
	if r.PageNum == 0 && wire.PageNumber != nil {
		r.PageNum = *wire.PageNumber
	}
	if normalized := Normalize(r.Type); normalized != "" {
		r.Type = normalized
	}
	return nil
}

// Validate rejects records the core must never cache.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if Normalize(r.Type) == "" {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRecord, ErrUnknownType, r.Type)
	}
	if r.PageNum < 1 {
		return fmt.Errorf("%w: page number must be positive, got %d", ErrInvalidRecord, r.PageNum)
	}
	return nil
}

func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.Config != nil {
		out.Config = append(json.RawMessage(nil), r.Config...)
	}
	return out
}

// Deletion is a DeleteQueue entry as sent to the handler.
type Deletion struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	PageNum   int       `json:"pageNum"`
	UserID    string    `json:"userId"`
	BlockID   string    `json:"blockId"`
	DeletedAt Timestamp `json:"deletedAt"`
}

func DeletionFor(r Record, at Timestamp) Deletion {
	return Deletion{
		ID:        r.ID,
		Type:      r.Type,
		PageNum:   r.PageNum,
		UserID:    r.UserID,
		BlockID:   r.BlockID,
		DeletedAt: at,
	}
}

// Grouped is the handler's wire tree: type -> page -> records.
type Grouped map[Type]map[int][]Record

func (g Grouped) Add(r Record) {
	pages, ok := g[r.Type]
	if !ok {
		pages = map[int][]Record{}
		g[r.Type] = pages
	}
	pages[r.PageNum] = append(pages[r.PageNum], r)
}

func (g Grouped) Count() int {
	total := 0
	for _, pages := range g {
		for _, records := range pages {
			total += len(records)
		}
	}
	return total
}

// Flatten returns every record in type, page, id order.
func (g Grouped) Flatten() []Record {
	out := make([]Record, 0, g.Count())
	for _, pages := range g {
		for _, records := range pages {
			out = append(out, records...)
		}
	}
	sortRecords(out)
	return out
}

func (g Grouped) Clone() Grouped {
	out := Grouped{}
	for _, r := range g.Flatten() {
		out.Add(r.Clone())
	}
	return out
}

func (g *Grouped) UnmarshalJSON(b []byte) error {
	var raw map[string]map[string][]Record
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Grouped{}
	for rawType, pages := range raw {
		typ, err := ParseType(rawType)
		if err != nil {
			// unknown tool types from newer clients are skipped, not fatal
			continue
		}
		for rawPage, records := range pages {
			page, err := strconv.Atoi(strings.TrimSpace(rawPage))
			if err != nil {
				return fmt.Errorf("invalid page key %q for %s", rawPage, rawType)
			}
			for _, r := range records {
				if r.Type == "" {
					r.Type = typ
				}
				if r.PageNum == 0 {
					r.PageNum = page
				}
				out.Add(r)
			}
		}
	}
	*g = out
	return nil
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.PageNum != b.PageNum {
			return a.PageNum < b.PageNum
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
