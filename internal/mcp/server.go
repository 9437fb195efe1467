package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"jobtab/internal/core"
	"jobtab/internal/logsink"
)

// MCPServer exposes the task operations as MCP tools over stdio.
type MCPServer struct {
	service *core.TaskService
	sink    *logsink.Sink
	logger  *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(service *core.TaskService, sink *logsink.Sink, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		service: service,
		sink:    sink,
		logger:  logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"jobtab",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a recurring task that runs a script every N minutes"),
		mcp.WithString("script_path",
			mcp.Required(),
			mcp.Description("Path to the script to run"),
		),
		mcp.WithString("execute_path",
			mcp.Required(),
			mcp.Description("Interpreter used to run the script, e.g. /usr/bin/python3 or /bin/bash"),
		),
		mcp.WithNumber("interval_minutes",
			mcp.Required(),
			mcp.Description("Minutes between runs"),
			mcp.Min(1),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Per-attempt execution budget in seconds; 0 disables the timeout"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_count",
			mcp.Description("Extra attempts after a failed run"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_delay_seconds",
			mcp.Description("Pause between attempts in seconds"),
			mcp.Min(0),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the task is scheduled immediately (default true)"),
		),
		mcp.WithString("description",
			mcp.Description("Free-form description"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List all tasks with their schedule and status"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get one task's full definition and run state"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("Update fields of an existing task; omitted fields are left unchanged"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("script_path",
			mcp.Description("New script path"),
		),
		mcp.WithString("execute_path",
			mcp.Description("New interpreter path"),
		),
		mcp.WithNumber("interval_minutes",
			mcp.Description("New interval in minutes"),
			mcp.Min(1),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("New per-attempt budget in seconds"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_count",
			mcp.Description("New retry count"),
			mcp.Min(0),
		),
		mcp.WithNumber("retry_delay_seconds",
			mcp.Description("New delay between attempts"),
			mcp.Min(0),
		),
		mcp.WithString("description",
			mcp.Description("New description"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_toggle",
		mcp.WithDescription("Enable or disable a task without losing its history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("true to enable, false to disable"),
		),
	), s.handleToggleTask)

	mcpServer.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task immediately, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("task_logs",
		mcp.WithDescription("Show the most recent execution output of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of log lines (default 50)"),
			mcp.Min(1),
		),
	), s.handleTaskLogs)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := &core.Task{
		ScriptPath:        mcp.ParseString(request, "script_path", ""),
		ExecutePath:       mcp.ParseString(request, "execute_path", ""),
		IntervalMinutes:   int(mcp.ParseFloat64(request, "interval_minutes", 0)),
		Enabled:           mcp.ParseBoolean(request, "enabled", true),
		TimeoutSeconds:    int(mcp.ParseFloat64(request, "timeout_seconds", 0)),
		RetryCount:        int(mcp.ParseFloat64(request, "retry_count", 0)),
		RetryDelaySeconds: int(mcp.ParseFloat64(request, "retry_delay_seconds", 0)),
		Description:       mcp.ParseString(request, "description", ""),
	}

	created, err := s.service.Create(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task created: %s (every %d min)", created.ID, created.IntervalMinutes)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.service.List(ctx)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks defined."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s]\n", t.ID, t.Status)
		fmt.Fprintf(&b, "  script: %s (via %s)\n", t.ScriptPath, t.ExecutePath)
		fmt.Fprintf(&b, "  every: %d min\n", t.IntervalMinutes)
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, "  next run: %s\n", formatTime(t.NextRunAt))
		}
		if t.LastErrorMessage != "" {
			fmt.Fprintf(&b, "  last error: %s\n", truncateString(t.LastErrorMessage, 80))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, err := s.service.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Script: %s\n", task.ScriptPath)
	fmt.Fprintf(&b, "Interpreter: %s\n", task.ExecutePath)
	fmt.Fprintf(&b, "Interval: %d min\n", task.IntervalMinutes)
	fmt.Fprintf(&b, "Enabled: %t\n", task.Enabled)
	fmt.Fprintf(&b, "Timeout: %d s\n", task.TimeoutSeconds)
	fmt.Fprintf(&b, "Retries: %d (delay %d s)\n", task.RetryCount, task.RetryDelaySeconds)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", formatTime(task.LastRunAt))
	}
	if task.LastSuccessAt != nil {
		fmt.Fprintf(&b, "Last success: %s\n", formatTime(task.LastSuccessAt))
	}
	if task.NextRunAt != nil {
		fmt.Fprintf(&b, "Next run: %s\n", formatTime(task.NextRunAt))
	}
	if task.LastErrorMessage != "" {
		fmt.Fprintf(&b, "Last error: %s\n", task.LastErrorMessage)
		fmt.Fprintf(&b, "Consecutive failures: %d\n", task.ConsecutiveFailures)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	var upd core.TaskUpdate
	if v := mcp.ParseString(request, "script_path", ""); v != "" {
		upd.ScriptPath = &v
	}
	if v := mcp.ParseString(request, "execute_path", ""); v != "" {
		upd.ExecutePath = &v
	}
	if v := int(mcp.ParseFloat64(request, "interval_minutes", 0)); v > 0 {
		upd.IntervalMinutes = &v
	}
	if v := int(mcp.ParseFloat64(request, "timeout_seconds", -1)); v >= 0 {
		upd.TimeoutSeconds = &v
	}
	if v := int(mcp.ParseFloat64(request, "retry_count", -1)); v >= 0 {
		upd.RetryCount = &v
	}
	if v := int(mcp.ParseFloat64(request, "retry_delay_seconds", -1)); v >= 0 {
		upd.RetryDelaySeconds = &v
	}
	if v := mcp.ParseString(request, "description", ""); v != "" {
		upd.Description = &v
	}

	task, err := s.service.Update(ctx, taskID, upd)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("update task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s (every %d min, status %s)", task.ID, task.IntervalMinutes, task.Status)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	if err := s.service.Delete(ctx, taskID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleToggleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	enabled := mcp.ParseBoolean(request, "enabled", true)

	task, err := s.service.Toggle(ctx, taskID, enabled)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("toggle task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s is now %s", task.ID, task.Status)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	started, err := s.service.RunNow(ctx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		case errors.Is(err, core.ErrAlreadyRunning):
			return mcp.NewToolResultError(fmt.Sprintf("task already running: %s", taskID)), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("run task: %v", err)), nil
		}
	}
	if !started {
		return mcp.NewToolResultText(fmt.Sprintf("Task queued: %s (concurrency limit reached)", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started: %s", taskID)), nil
}

func (s *MCPServer) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 50))

	if _, err := s.service.Get(ctx, taskID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task: %v", err)), nil
	}

	records := s.sink.Tail(taskID, limit)
	if len(records) == 0 {
		return mcp.NewToolResultText("No log records for this task."), nil
	}
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "[%s] %s %s\n", rec.Time.Format(time.RFC3339), rec.Level, rec.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
