package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
)

func (s *Server) registerTools() {
	statuses := make([]string, 0, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		statuses = append(statuses, string(st))
	}

	s.mcp.AddTool(mcp.NewTool("list_work_units",
		mcp.WithDescription("List work units, optionally only those in one status"),
		mcp.WithString("status", mcp.Enum(statuses...)),
	), s.handleListWorkUnits)

	s.mcp.AddTool(mcp.NewTool("show_work_unit",
		mcp.WithDescription("Show a work unit with its state history and virtual hooks"),
		mcp.WithString("work_unit_id", mcp.Required()),
	), s.handleShowWorkUnit)

	s.mcp.AddTool(mcp.NewTool("create_work_unit",
		mcp.WithDescription("Create a work unit in backlog with the next PREFIX-NNN id"),
		mcp.WithString("prefix", mcp.Required()),
		mcp.WithString("title", mcp.Required()),
		mcp.WithString("type", mcp.Enum("story", "bug", "task")),
		mcp.WithString("epic"),
	), s.handleCreateWorkUnit)

	s.mcp.AddTool(mcp.NewTool("transition_work_unit",
		mcp.WithDescription("Move a work unit to another status. Runs temporal validation, hooks and an automatic checkpoint, and returns a reminder to follow."),
		mcp.WithString("work_unit_id", mcp.Required()),
		mcp.WithString("status", mcp.Required(), mcp.Enum(statuses...)),
		mcp.WithBoolean("skip_temporal_validation", mcp.Description("proceed even if artifacts predate the state entry; the bypass is recorded")),
		mcp.WithBoolean("revert", mcp.Description("allow moving backward")),
		mcp.WithString("reason"),
	), s.handleTransition)

	s.mcp.AddTool(mcp.NewTool("list_checkpoints",
		mcp.WithDescription("List checkpoints of a work unit"),
		mcp.WithString("work_unit_id", mcp.Required()),
	), s.handleListCheckpoints)

	s.mcp.AddTool(mcp.NewTool("create_checkpoint",
		mcp.WithDescription("Snapshot the working tree as a named manual checkpoint"),
		mcp.WithString("work_unit_id", mcp.Required()),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("message"),
	), s.handleCreateCheckpoint)

	s.mcp.AddTool(mcp.NewTool("checkpoint_counts",
		mcp.WithDescription("Manual and automatic checkpoint totals across all work units"),
	), s.handleCheckpointCounts)
}

func (s *Server) handleListWorkUnits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	units, err := s.ws.Engine.ListWorkUnits(domain.Status(req.GetString("status", "")))
	if err != nil {
		return errorResult(err, nil), nil
	}
	if units == nil {
		units = []domain.WorkUnit{}
	}
	return jsonResult(units)
}

func (s *Server) handleShowWorkUnit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("work_unit_id")
	if err != nil {
		return validationError("work_unit_id is required"), nil
	}
	w, err := s.ws.Engine.GetWorkUnit(strings.ToUpper(id))
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(w)
}

func (s *Server) handleCreateWorkUnit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix, err := req.RequireString("prefix")
	if err != nil {
		return validationError("prefix is required"), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return validationError("title is required"), nil
	}
	w, err := s.ws.Engine.CreateWorkUnit(ctx, engine.CreateOptions{
		Prefix: prefix,
		Title:  title,
		Type:   domain.WorkUnitType(req.GetString("type", "story")),
		Epic:   req.GetString("epic", ""),
	})
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(w)
}

func (s *Server) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("work_unit_id")
	if err != nil {
		return validationError("work_unit_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return validationError("status is required"), nil
	}
	res, err := s.ws.Engine.Transition(ctx, strings.ToUpper(id), domain.Status(status), engine.TransitionFlags{
		SkipTemporalValidation: req.GetBool("skip_temporal_validation", false),
		Revert:                 req.GetBool("revert", false),
		Reason:                 req.GetString("reason", ""),
	})
	if err != nil {
		details := map[string]any{}
		if res.Reminder != "" {
			details["reminder"] = res.Reminder
		}
		return errorResult(err, details), nil
	}
	if res.PostHookFailure != nil {
		out, _ := jsonResult(res)
		out.IsError = true
		return out, nil
	}
	return jsonResult(res)
}

func (s *Server) handleListCheckpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("work_unit_id")
	if err != nil {
		return validationError("work_unit_id is required"), nil
	}
	list, err := s.ws.Engine.ListCheckpoints(strings.ToUpper(id))
	if err != nil {
		return errorResult(err, nil), nil
	}
	if list == nil {
		list = []domain.CheckpointRecord{}
	}
	return jsonResult(list)
}

func (s *Server) handleCreateCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("work_unit_id")
	if err != nil {
		return validationError("work_unit_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return validationError("name is required"), nil
	}
	rec, err := s.ws.Engine.CreateCheckpoint(ctx, strings.ToUpper(id), name, req.GetString("message", ""))
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleCheckpointCounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counter, err := s.ws.CheckpointCounter()
	if err != nil {
		return errorResult(domain.WrapError(domain.KindCheckpointFailure, "checkpoint counts unavailable", err), nil), nil
	}
	c, err := counter.CountAll()
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(map[string]any{"manual": c.Manual, "auto": c.Auto, "display": checkpoint.FormatCounts(c)})
}
