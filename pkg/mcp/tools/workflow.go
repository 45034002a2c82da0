// Package tools holds the MCP tools of ontask-engine. Every tool is read-only
// and runs with the caller's identity, so workflow access rules apply.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
)

// DefaultMaxRows caps read_table when WorkflowToolDeps.MaxRows is unset.
const DefaultMaxRows = 500

// WorkflowToolDeps are the services the workflow tools read from.
type WorkflowToolDeps struct {
	Workflows services.WorkflowService
	Frames    services.FrameStore
	Views     services.ViewService
	MaxRows   int
	Logger    *zap.Logger
}

func (d *WorkflowToolDeps) maxRows() int {
	if d.MaxRows > 0 {
		return d.MaxRows
	}
	return DefaultMaxRows
}

// RegisterWorkflowTools adds list_workflows, describe_workflow, read_table
// and column_stats.
func RegisterWorkflowTools(s *server.MCPServer, deps *WorkflowToolDeps) {
	registerListWorkflows(s, deps)
	registerDescribeWorkflow(s, deps)
	registerReadTable(s, deps)
	registerColumnStats(s, deps)
}

func readOnly() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	}
}

type workflowSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	NRows       int       `json:"nrows"`
	NCols       int       `json:"ncols"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func registerListWorkflows(s *server.MCPServer, deps *WorkflowToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("List the workflows you own or that are shared with you, with their row and column counts."),
	}, readOnly()...)
	tool := mcp.NewTool("list_workflows", opts...)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflows, err := deps.Workflows.List(ctx)
		if err != nil {
			return serviceErrorResult(fmt.Errorf("failed to list workflows: %w", err))
		}
		out := make([]workflowSummary, 0, len(workflows))
		for _, w := range workflows {
			out = append(out, workflowSummary{
				ID:          w.ID,
				Name:        w.Name,
				Description: w.Description,
				NRows:       w.NRows,
				NCols:       w.NCols,
				UpdatedAt:   w.UpdatedAt,
			})
		}
		return jsonResult(map[string]any{"workflows": out})
	})
}

type columnInfo struct {
	Name        string            `json:"name"`
	Type        models.ColumnType `json:"type"`
	IsKey       bool              `json:"is_key"`
	Description string            `json:"description,omitempty"`
	Categories  []any             `json:"categories,omitempty"`
}

type viewInfo struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Filter  string    `json:"filter,omitempty"`
}

type workflowDescription struct {
	workflowSummary
	Attributes map[string]string `json:"attributes,omitempty"`
	Columns    []columnInfo      `json:"columns"`
	Views      []viewInfo        `json:"views"`
	EditedBy   string            `json:"edited_by,omitempty"`
}

func registerDescribeWorkflow(s *server.MCPServer, deps *WorkflowToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Describe one workflow: its columns in order with type and key flag, its views with their columns and filter, " +
			"and who is editing it right now."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id from list_workflows")),
	}, readOnly()...)
	tool := mcp.NewTool("describe_workflow", opts...)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, errResult := workflowIDArg(req)
		if errResult != nil {
			return errResult, nil
		}
		detail, err := deps.Workflows.Get(ctx, workflowID)
		if err != nil {
			return serviceErrorResult(err)
		}

		names := make(map[uuid.UUID]string, len(detail.Columns))
		out := workflowDescription{
			workflowSummary: workflowSummary{
				ID:          detail.ID,
				Name:        detail.Name,
				Description: detail.Description,
				NRows:       detail.NRows,
				NCols:       detail.NCols,
				UpdatedAt:   detail.UpdatedAt,
			},
			Attributes: detail.Attributes,
			Columns:    make([]columnInfo, 0, len(detail.Columns)),
			Views:      make([]viewInfo, 0, len(detail.Views)),
		}
		for _, c := range detail.Columns {
			names[c.ID] = c.Name
			out.Columns = append(out.Columns, columnInfo{
				Name:        c.Name,
				Type:        c.Type,
				IsKey:       c.IsKey,
				Description: c.Description,
				Categories:  c.Categories,
			})
		}
		for _, v := range detail.Views {
			info := viewInfo{ID: v.ID, Name: v.Name, Columns: make([]string, 0, len(v.ColumnIDs))}
			for _, id := range v.ColumnIDs {
				if name, ok := names[id]; ok {
					info.Columns = append(info.Columns, name)
				}
			}
			if v.Filter != nil {
				info.Filter = v.Filter.String()
			}
			out.Views = append(out.Views, info)
		}
		if detail.Lease != nil && detail.Lease.IsLive(time.Now()) {
			out.EditedBy = detail.Lease.UserEmail
		}
		return jsonResult(out)
	})
}

type tableResult struct {
	Columns   []models.FrameColumn `json:"columns"`
	Rows      [][]any              `json:"rows"`
	TotalRows int                  `json:"total_rows"`
	Truncated bool                 `json:"truncated"`
}

func registerReadTable(s *server.MCPServer, deps *WorkflowToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(fmt.Sprintf("Read the rows of a workflow table, optionally through a view and restricted to some columns. "+
			"At most %d rows are returned; total_rows and truncated tell whether more exist.", deps.maxRows())),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id from list_workflows")),
		mcp.WithString("view_id", mcp.Description("Optional - view id from describe_workflow; applies the view's filter and columns")),
		mcp.WithArray("columns", mcp.WithStringItems(), mcp.Description("Optional - column names to return, in the order given")),
		mcp.WithNumber("limit", mcp.Description("Optional - maximum rows to return")),
	}, readOnly()...)
	tool := mcp.NewTool("read_table", opts...)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, errResult := workflowIDArg(req)
		if errResult != nil {
			return errResult, nil
		}

		var (
			frame *models.Frame
			err   error
		)
		if raw := strings.TrimSpace(req.GetString("view_id", "")); raw != "" {
			viewID, perr := uuid.Parse(raw)
			if perr != nil {
				return NewErrorResultWithDetails("invalid_parameters", "view_id is not a valid id", map[string]string{"field": "view_id"}), nil
			}
			frame, err = deps.Views.Frame(ctx, workflowID, viewID)
		} else {
			frame, err = deps.Frames.LoadFrame(ctx, workflowID)
		}
		if err != nil {
			return serviceErrorResult(err)
		}

		if columns := req.GetStringSlice("columns", nil); len(columns) > 0 {
			projected, perr := frame.Project(columns)
			if perr != nil {
				return NewErrorResultWithDetails("invalid_parameters", perr.Error(), map[string]any{
					"field":             "columns",
					"available_columns": frame.ColumnNames(),
				}), nil
			}
			frame = projected
		}

		limit := deps.maxRows()
		if n := req.GetInt("limit", 0); n > 0 && n < limit {
			limit = n
		}
		out := tableResult{Columns: frame.Columns, Rows: frame.Rows, TotalRows: frame.NumRows()}
		if len(out.Rows) > limit {
			out.Rows = out.Rows[:limit]
			out.Truncated = true
		}
		deps.Logger.Debug("read_table",
			zap.String("workflow_id", workflowID.String()),
			zap.Int("rows", len(out.Rows)),
			zap.Bool("truncated", out.Truncated))
		return jsonResult(out)
	})
}

func registerColumnStats(s *server.MCPServer, deps *WorkflowToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Summary statistics of one column: counts, nulls, quartiles and standard deviation for numbers, " +
			"and value counts for the rest."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id from list_workflows")),
		mcp.WithString("column", mcp.Required(), mcp.Description("Column name")),
	}, readOnly()...)
	tool := mcp.NewTool("column_stats", opts...)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, errResult := workflowIDArg(req)
		if errResult != nil {
			return errResult, nil
		}
		column := strings.TrimSpace(req.GetString("column", ""))
		if column == "" {
			return NewErrorResult("invalid_parameters", "parameter 'column' cannot be empty"), nil
		}
		stats, err := deps.Frames.ColumnStats(ctx, workflowID, column)
		if err != nil {
			return serviceErrorResult(err)
		}
		return jsonResult(stats)
	})
}

// workflowIDArg parses the required workflow_id argument.
func workflowIDArg(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw := strings.TrimSpace(req.GetString("workflow_id", ""))
	if raw == "" {
		return uuid.Nil, NewErrorResult("invalid_parameters", "parameter 'workflow_id' is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, NewErrorResultWithDetails("invalid_parameters", "workflow_id is not a valid id", map[string]string{"field": "workflow_id"})
	}
	return id, nil
}
