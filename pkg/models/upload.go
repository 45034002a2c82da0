package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HowMerge is the join mode of a merge.
type HowMerge string

const (
	MergeLeft  HowMerge = "left"
	MergeRight HowMerge = "right"
	MergeOuter HowMerge = "outer"
	MergeInner HowMerge = "inner"
)

// Valid reports whether m is a known join mode.
func (m HowMerge) Valid() bool {
	switch m {
	case MergeLeft, MergeRight, MergeOuter, MergeInner:
		return true
	}
	return false
}

// DupPolicy resolves non-key name collisions between source and destination.
type DupPolicy string

const (
	DupOverride DupPolicy = "override"
	DupRename   DupPolicy = "rename"
)

// Valid reports whether p is a known policy.
func (p DupPolicy) Valid() bool {
	return p == DupOverride || p == DupRename
}

// Upload steps recorded in UploadDraft.Step.
const (
	UploadStepIngest  = 1
	UploadStepSelect  = 2
	UploadStepKeys    = 3
	UploadStepPreview = 4
)

// SourceDescriptor records where the staged frame came from.
type SourceDescriptor struct {
	Kind   string            `json:"kind"`
	Name   string            `json:"name,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// UploadDraft is the per-session state of the staged upload pipeline.
// Slices indexed by source column share the order of InitialColumnNames.
type UploadDraft struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	SessionID  string    `json:"session_id"`
	Step       int       `json:"step"`

	Source             SourceDescriptor `json:"source"`
	InitialColumnNames []string         `json:"initial_column_names"`
	ColumnTypes        []ColumnType     `json:"column_types"`
	SrcIsKeyColumn     []bool           `json:"src_is_key_column"`
	RenameColumnNames  []string         `json:"rename_column_names"`
	ColumnsToUpload    []bool           `json:"columns_to_upload"`
	KeepKeyColumn      []bool           `json:"keep_key_column"`

	SrcSelectedKey        string    `json:"src_selected_key,omitempty"`
	DstSelectedKey        string    `json:"dst_selected_key,omitempty"`
	HowMerge              HowMerge  `json:"how_merge,omitempty"`
	HowDupColumns         DupPolicy `json:"how_dup_columns,omitempty"`
	AutorenameColumnNames []string  `json:"autorename_column_names,omitempty"`
	OverrideColumnsNames  []string  `json:"override_columns_names,omitempty"`

	NRows     int       `json:"nrows"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceIndex returns the source column index whose destination name is name.
func (d *UploadDraft) SourceIndex(name string) int {
	for i, n := range d.RenameColumnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks that the per-column slices agree in length.
func (d *UploadDraft) Validate() error {
	n := len(d.InitialColumnNames)
	lengths := map[string]int{
		"column_types":        len(d.ColumnTypes),
		"src_is_key_column":   len(d.SrcIsKeyColumn),
		"rename_column_names": len(d.RenameColumnNames),
		"columns_to_upload":   len(d.ColumnsToUpload),
		"keep_key_column":     len(d.KeepKeyColumn),
	}
	for field, l := range lengths {
		if l != n {
			return fmt.Errorf("draft field %s has %d entries for %d source columns", field, l, n)
		}
	}
	if d.AutorenameColumnNames != nil && len(d.AutorenameColumnNames) != n {
		return fmt.Errorf("draft field autorename_column_names has %d entries for %d source columns", len(d.AutorenameColumnNames), n)
	}
	return nil
}

// MergeParams is the input of the merge engine.
type MergeParams struct {
	SrcKey          string    `json:"src_selected_key"`
	DstKey          string    `json:"dst_selected_key"`
	How             HowMerge  `json:"how_merge"`
	DupPolicy       DupPolicy `json:"how_dup_columns"`
	ColumnsToUpload []bool    `json:"columns_to_upload"`
	// RenameColumnNames holds the final destination names; when the policy is
	// rename it is the autorenamed list.
	RenameColumnNames []string `json:"rename_column_names"`
	KeepKeyColumn     []bool   `json:"keep_key_column"`
}

// MergeParamsFromDraft derives merge parameters from a completed draft.
func MergeParamsFromDraft(d *UploadDraft) MergeParams {
	names := d.RenameColumnNames
	if d.HowDupColumns == DupRename && d.AutorenameColumnNames != nil {
		names = d.AutorenameColumnNames
	}
	return MergeParams{
		SrcKey:            d.SrcSelectedKey,
		DstKey:            d.DstSelectedKey,
		How:               d.HowMerge,
		DupPolicy:         d.HowDupColumns,
		ColumnsToUpload:   append([]bool(nil), d.ColumnsToUpload...),
		RenameColumnNames: append([]string(nil), names...),
		KeepKeyColumn:     append([]bool(nil), d.KeepKeyColumn...),
	}
}

// Upload preview outcomes.
const (
	OutcomeNew      = "new"
	OutcomeRenamed  = "renamed"
	OutcomeOverride = "override"
	OutcomeIgnored  = "ignored"
	OutcomeKey      = "key"
)

// PreviewEntry is the prospective outcome of one source column.
type PreviewEntry struct {
	SourceName      string     `json:"source_name"`
	DestinationName string     `json:"destination_name,omitempty"`
	Type            ColumnType `json:"type"`
	Outcome         string     `json:"outcome"`
}

// UploadPreview is the response of step 4 before confirmation.
type UploadPreview struct {
	Entries  []PreviewEntry `json:"entries"`
	Summary  string         `json:"summary"`
	HowMerge HowMerge       `json:"how_merge"`
	DstKey   string         `json:"dst_selected_key"`
	SrcKey   string         `json:"src_selected_key"`
}
