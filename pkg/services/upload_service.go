package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/merge"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
)

// fingerprintParam is the source parameter holding the digest of the staged frame.
const fingerprintParam = "fingerprint"

// ColumnSelection is the step 2 payload.
type ColumnSelection struct {
	ColumnsToUpload   []bool   `json:"columns_to_upload"`
	RenameColumnNames []string `json:"rename_column_names"`
	KeepKeyColumn     []bool   `json:"keep_key_column"`
}

// KeyPairing is the step 3 payload.
type KeyPairing struct {
	SrcSelectedKey string           `json:"src_selected_key"`
	DstSelectedKey string           `json:"dst_selected_key"`
	HowMerge       models.HowMerge  `json:"how_merge"`
	HowDupColumns  models.DupPolicy `json:"how_dup_columns"`
}

// StepResult is the outcome of a step. Committed is set when the step
// finished the upload.
type StepResult struct {
	Draft     *models.UploadDraft `json:"draft,omitempty"`
	Committed *merge.Result       `json:"committed,omitempty"`
}

// UploadService drives the four-step staged upload of a workflow. Drafts
// are private to the editing session; every step needs the lease.
type UploadService interface {
	// GetDraft returns the draft of the caller's session.
	GetDraft(ctx context.Context, workflowID uuid.UUID) (*models.UploadDraft, error)
	// Ingest stages src and starts a draft (step 1).
	Ingest(ctx context.Context, workflowID uuid.UUID, src *models.Frame, source models.SourceDescriptor) (*models.UploadDraft, error)
	// SelectColumns records the kept columns and their names (step 2). On a
	// workflow without data it commits the first load.
	SelectColumns(ctx context.Context, workflowID uuid.UUID, sel ColumnSelection) (*StepResult, error)
	// PairKeys records the merge keys, mode and collision policy (step 3).
	PairKeys(ctx context.Context, workflowID uuid.UUID, pairing KeyPairing) (*models.UploadDraft, error)
	// Preview describes the outcome of committing the draft (step 4).
	Preview(ctx context.Context, workflowID uuid.UUID) (*models.UploadPreview, error)
	// Commit merges the staged frame and discards the draft.
	Commit(ctx context.Context, workflowID uuid.UUID, confirm bool) (*merge.Result, error)
	// Cancel discards the staged frame and the draft.
	Cancel(ctx context.Context, workflowID uuid.UUID) error
}

type uploadService struct {
	writeGate
	merges MergeService
	logger *zap.Logger
}

// NewUploadService creates the upload pipeline service.
func NewUploadService(tx Transactor, leases LeaseManager, repos *Repositories, merges MergeService, logger *zap.Logger) UploadService {
	return &uploadService{
		writeGate: writeGate{tx: tx, leases: leases, repos: repos},
		merges:    merges,
		logger:    logger.Named("upload-service"),
	}
}

var _ UploadService = (*uploadService)(nil)

func (s *uploadService) GetDraft(ctx context.Context, workflowID uuid.UUID) (*models.UploadDraft, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.draft(ctx, workflowID)
}

func (s *uploadService) Ingest(ctx context.Context, workflowID uuid.UUID, src *models.Frame, source models.SourceDescriptor) (*models.UploadDraft, error) {
	if err := checkSource(src); err != nil {
		return nil, err
	}
	fingerprint, err := frameFingerprint(src, source)
	if err != nil {
		return nil, err
	}

	var draft *models.UploadDraft
	err = s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		session, _ := auth.GetSessionFromContext(ctx)
		existing, err := s.repos.Drafts.Get(ctx, workflowID, session.ID)
		if err != nil {
			return fmt.Errorf("failed to get upload draft: %w", err)
		}
		if existing != nil && existing.Source.Params[fingerprintParam] == fingerprint {
			draft = existing
			return nil
		}

		if err := s.repos.Frames.Store(ctx, repositories.UploadTable(workflowID, session.ID), src); err != nil {
			return fmt.Errorf("failed to store staging frame: %w", err)
		}

		n := src.NumColumns()
		d := &models.UploadDraft{
			WorkflowID:         workflowID,
			SessionID:          session.ID,
			Step:               models.UploadStepIngest,
			Source:             source,
			InitialColumnNames: src.ColumnNames(),
			ColumnTypes:        make([]models.ColumnType, n),
			SrcIsKeyColumn:     make([]bool, n),
			ColumnsToUpload:    make([]bool, n),
			KeepKeyColumn:      make([]bool, n),
			NRows:              src.NumRows(),
		}
		d.Source.Params = maps.Clone(source.Params)
		if d.Source.Params == nil {
			d.Source.Params = map[string]string{}
		}
		d.Source.Params[fingerprintParam] = fingerprint
		for i, c := range src.Columns {
			d.ColumnTypes[i] = c.Type
			d.SrcIsKeyColumn[i] = c.Type.CanBeKey() && src.IsUnique(c.Name)
			d.ColumnsToUpload[i] = true
			d.KeepKeyColumn[i] = d.SrcIsKeyColumn[i]
		}
		d.RenameColumnNames = sluggifyNames(d.InitialColumnNames)
		if !slices.Contains(d.SrcIsKeyColumn, true) {
			return apperrors.FieldValidation("src_is_key_column", "the data has no column with unique values to use as key")
		}

		if err := s.repos.Drafts.Save(ctx, d); err != nil {
			return fmt.Errorf("failed to save upload draft: %w", err)
		}
		draft = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Staged upload",
		zap.String("workflow_id", workflowID.String()),
		zap.String("source", source.Kind),
		zap.Int("rows", draft.NRows),
		zap.Int("columns", len(draft.InitialColumnNames)))
	return draft, nil
}

func (s *uploadService) SelectColumns(ctx context.Context, workflowID uuid.UUID, sel ColumnSelection) (*StepResult, error) {
	result := &StepResult{}
	ctx = context.WithoutCancel(ctx)
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		d, err := s.draft(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := validateSelection(d, sel); err != nil {
			return err
		}
		firstLoad := !wf.HasTable() && wf.NCols == 0

		unchanged := d.Step >= models.UploadStepSelect &&
			slices.Equal(d.ColumnsToUpload, sel.ColumnsToUpload) &&
			slices.Equal(d.RenameColumnNames, sel.RenameColumnNames) &&
			slices.Equal(d.KeepKeyColumn, sel.KeepKeyColumn)
		if unchanged && !firstLoad {
			result.Draft = d
			return nil
		}

		d.ColumnsToUpload = slices.Clone(sel.ColumnsToUpload)
		d.RenameColumnNames = slices.Clone(sel.RenameColumnNames)
		d.KeepKeyColumn = slices.Clone(sel.KeepKeyColumn)
		d.Step = models.UploadStepSelect
		d.SrcSelectedKey, d.DstSelectedKey = "", ""
		d.HowMerge, d.HowDupColumns = "", ""
		d.AutorenameColumnNames, d.OverrideColumnsNames = nil, nil

		if !firstLoad {
			if err := s.repos.Drafts.Save(ctx, d); err != nil {
				return fmt.Errorf("failed to save upload draft: %w", err)
			}
			result.Draft = d
			return nil
		}

		hasKey := false
		for i := range d.ColumnsToUpload {
			if d.ColumnsToUpload[i] && d.SrcIsKeyColumn[i] && d.KeepKeyColumn[i] {
				hasKey = true
			}
		}
		if !hasKey {
			return apperrors.FieldValidation("columns_to_upload", "the first upload must keep at least one unique column as key")
		}
		committed, err := s.commitDraft(ctx, wf, d)
		if err != nil {
			return err
		}
		result.Committed = committed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *uploadService) PairKeys(ctx context.Context, workflowID uuid.UUID, pairing KeyPairing) (*models.UploadDraft, error) {
	var draft *models.UploadDraft
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		d, err := s.draft(ctx, workflowID)
		if err != nil {
			return err
		}
		if d.Step < models.UploadStepSelect {
			return apperrors.FieldValidation("step", "select the columns to upload first")
		}
		unchanged := d.Step >= models.UploadStepKeys &&
			d.SrcSelectedKey == pairing.SrcSelectedKey &&
			d.DstSelectedKey == pairing.DstSelectedKey &&
			d.HowMerge == pairing.HowMerge &&
			d.HowDupColumns == pairing.HowDupColumns
		if unchanged {
			draft = d
			return nil
		}

		columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list columns: %w", err)
		}
		dst := models.FindColumn(columns, pairing.DstSelectedKey)
		if dst == nil || !dst.IsKey {
			return apperrors.FieldValidation("dst_selected_key", "%s is not a key column of the workflow", pairing.DstSelectedKey)
		}
		idx := d.SourceIndex(pairing.SrcSelectedKey)
		if idx < 0 || !d.ColumnsToUpload[idx] || !d.SrcIsKeyColumn[idx] {
			return apperrors.FieldValidation("src_selected_key", "%s is not a unique column of the upload", pairing.SrcSelectedKey)
		}
		if !pairing.HowMerge.Valid() {
			return apperrors.FieldValidation("how_merge", "merge method must be one of left, right, outer or inner")
		}

		for i, name := range d.RenameColumnNames {
			if d.ColumnsToUpload[i] && name == pairing.DstSelectedKey && name != pairing.SrcSelectedKey {
				return apperrors.FieldValidation(fmt.Sprintf("rename_column_names[%d]", i),
					"column %s takes the name of the key %s; rename it or leave it out", d.InitialColumnNames[i], pairing.DstSelectedKey)
			}
		}

		existing := columnNames(columns)
		var collisions []string
		for i, name := range d.RenameColumnNames {
			if d.ColumnsToUpload[i] && name != pairing.SrcSelectedKey && name != pairing.DstSelectedKey && slices.Contains(existing, name) {
				collisions = append(collisions, name)
			}
		}
		policy := pairing.HowDupColumns
		if policy == "" && len(collisions) == 0 {
			policy = models.DupRename
		}
		if !policy.Valid() {
			return apperrors.FieldValidation("how_dup_columns", "columns %s exist in the workflow; choose override or rename", strings.Join(collisions, ", "))
		}

		d.SrcSelectedKey = pairing.SrcSelectedKey
		d.DstSelectedKey = pairing.DstSelectedKey
		d.HowMerge = pairing.HowMerge
		d.HowDupColumns = policy
		d.AutorenameColumnNames, d.OverrideColumnsNames = nil, nil
		if policy == models.DupRename {
			d.AutorenameColumnNames = autorenameColumns(existing, d.RenameColumnNames, d.ColumnsToUpload, d.SrcSelectedKey)
		} else {
			d.OverrideColumnsNames = collisions
		}
		d.Step = models.UploadStepKeys

		if err := s.repos.Drafts.Save(ctx, d); err != nil {
			return fmt.Errorf("failed to save upload draft: %w", err)
		}
		draft = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draft, nil
}

func (s *uploadService) Preview(ctx context.Context, workflowID uuid.UUID) (*models.UploadPreview, error) {
	if _, err := s.read(ctx, workflowID); err != nil {
		return nil, err
	}
	d, err := s.draft(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if d.Step < models.UploadStepKeys {
		return nil, apperrors.FieldValidation("step", "choose the merge keys first")
	}
	columns, err := s.repos.Columns.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return buildPreview(d, columnNames(columns)), nil
}

func (s *uploadService) Commit(ctx context.Context, workflowID uuid.UUID, confirm bool) (*merge.Result, error) {
	if !confirm {
		return nil, apperrors.FieldValidation("confirm", "the merge must be confirmed")
	}

	var result *merge.Result
	ctx = context.WithoutCancel(ctx)
	err := s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		d, err := s.draft(ctx, workflowID)
		if err != nil {
			return err
		}
		if d.Step < models.UploadStepKeys {
			return apperrors.FieldValidation("step", "choose the merge keys first")
		}
		result, err = s.commitDraft(ctx, wf, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *uploadService) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	return s.write(ctx, workflowID, func(ctx context.Context, wf *models.Workflow) error {
		session, _ := auth.GetSessionFromContext(ctx)
		return s.discard(ctx, workflowID, session.ID)
	})
}

// commitDraft merges the staged frame and discards the draft. It runs
// inside the caller's transaction, so a failed merge keeps the draft.
func (s *uploadService) commitDraft(ctx context.Context, wf *models.Workflow, d *models.UploadDraft) (*merge.Result, error) {
	src, err := s.repos.Frames.Load(ctx, repositories.UploadTable(wf.ID, d.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load staging frame: %w", err)
	}
	if src == nil || !stagedMatchesDraft(src, d) {
		return nil, apperrors.FieldValidation("step", "the staged data is no longer available; upload it again")
	}
	result, err := s.merges.Commit(ctx, wf.ID, src, models.MergeParamsFromDraft(d))
	if err != nil {
		return nil, err
	}
	if err := s.discard(ctx, wf.ID, d.SessionID); err != nil {
		return nil, err
	}
	s.logger.Info("Committed upload",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("source", d.Source.Kind),
		zap.Int("rows", result.Frame.NumRows()))
	return result, nil
}

func (s *uploadService) discard(ctx context.Context, workflowID uuid.UUID, sessionID string) error {
	if err := s.repos.Frames.Drop(ctx, repositories.UploadTable(workflowID, sessionID)); err != nil {
		return fmt.Errorf("failed to drop staging frame: %w", err)
	}
	if err := s.repos.Drafts.Delete(ctx, workflowID, sessionID); err != nil {
		return fmt.Errorf("failed to delete upload draft: %w", err)
	}
	return nil
}

func (s *uploadService) draft(ctx context.Context, workflowID uuid.UUID) (*models.UploadDraft, error) {
	session, ok := auth.GetSessionFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("upload draft: %w", apperrors.ErrNotFound)
	}
	d, err := s.repos.Drafts.Get(ctx, workflowID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get upload draft: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("upload draft: %w", apperrors.ErrNotFound)
	}
	if err := d.Validate(); err != nil {
		return nil, apperrors.Invariant("%v", err)
	}
	return d, nil
}

// checkSource applies the step 1 rejections.
func checkSource(src *models.Frame) error {
	if src.NumColumns() == 0 {
		return apperrors.Validation("the data has no columns")
	}
	if src.NumRows() == 0 {
		return apperrors.Validation("the data has no rows")
	}
	if dups := models.DuplicateColumnNames(src.ColumnNames()); len(dups) > 0 {
		return apperrors.FieldValidation("initial_column_names", "the data has repeated column names: %s", strings.Join(dups, ", "))
	}
	for _, name := range src.ColumnNames() {
		if len(name) > models.MaxColumnNameLength {
			return apperrors.FieldValidation("initial_column_names", "column name %q exceeds %d characters", name, models.MaxColumnNameLength)
		}
	}
	return nil
}

func validateSelection(d *models.UploadDraft, sel ColumnSelection) error {
	n := len(d.InitialColumnNames)
	if len(sel.ColumnsToUpload) != n {
		return apperrors.FieldValidation("columns_to_upload", "expected %d entries, got %d", n, len(sel.ColumnsToUpload))
	}
	if len(sel.RenameColumnNames) != n {
		return apperrors.FieldValidation("rename_column_names", "expected %d entries, got %d", n, len(sel.RenameColumnNames))
	}
	if len(sel.KeepKeyColumn) != n {
		return apperrors.FieldValidation("keep_key_column", "expected %d entries, got %d", n, len(sel.KeepKeyColumn))
	}

	seen := make(map[string]int, n)
	kept := 0
	for i := 0; i < n; i++ {
		if sel.KeepKeyColumn[i] && !d.SrcIsKeyColumn[i] {
			return apperrors.FieldValidation(fmt.Sprintf("keep_key_column[%d]", i), "column %s is not unique and cannot be a key", d.InitialColumnNames[i])
		}
		if !sel.ColumnsToUpload[i] {
			continue
		}
		kept++
		name := sel.RenameColumnNames[i]
		field := fmt.Sprintf("rename_column_names[%d]", i)
		if err := models.ValidateColumnName(name); err != nil {
			return apperrors.FieldValidation(field, "%v", err)
		}
		if j, dup := seen[name]; dup {
			return apperrors.FieldValidation(field, "name %s is also used by column %d", name, j+1)
		}
		seen[name] = i
	}
	if kept == 0 {
		return apperrors.FieldValidation("columns_to_upload", "at least one column must be uploaded")
	}
	return nil
}

func buildPreview(d *models.UploadDraft, existing []string) *models.UploadPreview {
	final := models.MergeParamsFromDraft(d).RenameColumnNames
	counts := map[string]int{}
	entries := make([]models.PreviewEntry, len(d.InitialColumnNames))
	for i, source := range d.InitialColumnNames {
		e := models.PreviewEntry{
			SourceName:      source,
			DestinationName: final[i],
			Type:            d.ColumnTypes[i],
		}
		switch {
		case !d.ColumnsToUpload[i]:
			e.Outcome = models.OutcomeIgnored
			e.DestinationName = ""
		case d.RenameColumnNames[i] == d.SrcSelectedKey:
			e.Outcome = models.OutcomeKey
		case final[i] != d.RenameColumnNames[i]:
			e.Outcome = models.OutcomeRenamed
		case slices.Contains(existing, final[i]):
			e.Outcome = models.OutcomeOverride
		default:
			e.Outcome = models.OutcomeNew
		}
		counts[e.Outcome]++
		entries[i] = e
	}

	var parts []string
	for _, o := range []struct{ outcome, label string }{
		{models.OutcomeNew, "new"},
		{models.OutcomeRenamed, "renamed"},
		{models.OutcomeOverride, "overridden"},
		{models.OutcomeIgnored, "ignored"},
	} {
		if n := counts[o.outcome]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s %s", n, o.label, pluralize("column", n)))
		}
	}
	summary := "No columns change"
	if len(parts) > 0 {
		summary = strings.Join(parts, ", ")
	}
	summary = fmt.Sprintf("%s; %s merge of %d %s on %s = %s", summary, d.HowMerge, d.NRows, pluralize("row", d.NRows), d.DstSelectedKey, d.SrcSelectedKey)

	return &models.UploadPreview{
		Entries:  entries,
		Summary:  summary,
		HowMerge: d.HowMerge,
		DstKey:   d.DstSelectedKey,
		SrcKey:   d.SrcSelectedKey,
	}
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return inflection.Plural(word)
}

// sluggifyNames proposes legal, distinct destination names.
func sluggifyNames(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, n := range names {
		slug := models.Sluggify(n)
		candidate := slug
		for suffix := 1; used[candidate]; suffix++ {
			candidate = fmt.Sprintf("%s_%d", slug, suffix)
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}

// stagedMatchesDraft reports whether the staging frame still has the
// columns, types and row count recorded when the draft was created.
func stagedMatchesDraft(src *models.Frame, d *models.UploadDraft) bool {
	if src.NumRows() != d.NRows || !slices.Equal(src.ColumnNames(), d.InitialColumnNames) {
		return false
	}
	for i, c := range src.Columns {
		if c.Type != d.ColumnTypes[i] {
			return false
		}
	}
	return true
}

// frameFingerprint identifies a staged payload so a repeated step 1 is a no-op.
func frameFingerprint(f *models.Frame, source models.SourceDescriptor) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	if err := enc.Encode(struct {
		Kind string        `json:"kind"`
		Name string        `json:"name"`
		Data *models.Frame `json:"data"`
	}{source.Kind, source.Name, f}); err != nil {
		return "", fmt.Errorf("failed to fingerprint upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
