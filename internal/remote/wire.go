package remote

import (
	"encoding/json"
	"time"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

type LoadRequest struct {
	UserID   string
	BlockID  string
	CourseID string
	At       time.Time
}

type LoadResponse struct {
	Success bool               `json:"success"`
	Data    annotation.Grouped `json:"data"`
	Message string             `json:"message,omitempty"`
}

// SaveData is the "data" member of a save request: either the grouped tree of
// queued records or the lightweight deletion-only shape.
type SaveData struct {
	Grouped      annotation.Grouped
	Deletions    []annotation.Deletion
	DeletionOnly bool
}

func (d SaveData) MarshalJSON() ([]byte, error) {
	if d.DeletionOnly {
		deletions := d.Deletions
		if deletions == nil {
			deletions = []annotation.Deletion{}
		}
		return json.Marshal(struct {
			Deletions    []annotation.Deletion `json:"_deletions"`
			DeletionOnly bool                  `json:"_deletionOnly"`
		}{deletions, true})
	}
	if d.Grouped == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Grouped)
}

func (d *SaveData) UnmarshalJSON(b []byte) error {
	var probe struct {
		Deletions    []annotation.Deletion `json:"_deletions"`
		DeletionOnly bool                  `json:"_deletionOnly"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if probe.DeletionOnly {
		*d = SaveData{Deletions: probe.Deletions, DeletionOnly: true}
		return nil
	}
	var grouped annotation.Grouped
	if err := json.Unmarshal(b, &grouped); err != nil {
		return err
	}
	*d = SaveData{Grouped: grouped}
	return nil
}

type SaveRequest struct {
	Action    string                `json:"action"`
	UserID    string                `json:"userId"`
	CourseID  string                `json:"courseId"`
	BlockID   string                `json:"blockId"`
	Data      SaveData              `json:"data"`
	Deletions []annotation.Deletion `json:"deletions"`
	Timestamp annotation.Timestamp  `json:"timestamp"`
}

type SaveResponse struct {
	Result     string   `json:"result"`
	Message    string   `json:"message,omitempty"`
	SavedTypes []string `json:"saved_types,omitempty"`
}
