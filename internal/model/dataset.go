package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Descriptor identifies one published release of a dataset.
type Descriptor struct {
	SourceID string    `json:"source_id"`
	Name     string    `json:"name"`
	Period   time.Time `json:"period"`
	Location string    `json:"location"`
	Format   string    `json:"format,omitempty"`
}

// PeriodKey is the stable textual form of the publication period.
func (d Descriptor) PeriodKey() string {
	return d.Period.UTC().Format("2006-01-02")
}

// ArtifactRef points at a stored artifact and the hash of its content.
type ArtifactRef struct {
	Fingerprint string `json:"fingerprint"`
	Location    string `json:"location"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
}

// Window is a closed date range [Start, End].
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// DatasetResult is the Dataset Branch slot of the workflow state.
type DatasetResult struct {
	Descriptor  Descriptor        `json:"descriptor"`
	Raw         *ArtifactRef      `json:"raw,omitempty"`
	Header      []string          `json:"header,omitempty"`
	Mapping     map[string]string `json:"mapping,omitempty"`
	Refined     *ArtifactRef      `json:"refined,omitempty"`
	RefinedRows int               `json:"refined_rows"`
	Window      Window            `json:"window"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Validate enforces the slot ordering: a refined table implies a raw
// artifact and a mapping.
func (d *DatasetResult) Validate() error {
	if d.Refined == nil {
		return nil
	}
	if d.Raw == nil {
		return eris.New("model: refined dataset without raw artifact")
	}
	if len(d.Mapping) == 0 {
		return eris.New("model: refined dataset without mapping")
	}
	return nil
}

// Usable reports whether the slot carries a refined table.
func (d *DatasetResult) Usable() bool {
	return d != nil && d.Refined != nil
}
