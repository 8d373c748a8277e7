package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"github.com/xxxxxccc/devops-bot-sub000/internal/task"
)

// Tool manages scheduled/recurring follow-ups for one chat. A scheduled
// follow-up re-enters the dispatcher with its prompt when due, exactly as
// if the user had sent it themselves (see internal/task.FollowUpScheduler).
type Tool struct {
	store    core.TaskStore
	chatID   string
	tzOffset int // hours from UTC (e.g. 7 for WIB)
}

// New creates a ScheduleTool scoped to chatID.
func New(store core.TaskStore, chatID string, tzOffset int) *Tool {
	return &Tool{store: store, chatID: chatID, tzOffset: tzOffset}
}

// Tools returns the four schedule_* tools bound to this chat.
func (t *Tool) Tools() []core.Tool {
	return []core.Tool{
		scheduleTool{t, "schedule_create",
			"Create a scheduled/recurring follow-up that runs automatically. Use when the user wants something done periodically (daily briefings, recurring searches, regular summaries).",
			json.RawMessage(`{"type":"object","properties":{
				"description":{"type":"string","description":"Human-readable description of what this scheduled follow-up does"},
				"time":{"type":"string","description":"Time in HH:MM format (24-hour, user's local timezone)"},
				"recurrence":{"type":"string","enum":["once","daily","custom","weekly","monthly"],"description":"How often to run"},
				"day":{"type":"string","description":"For weekly: day name. For custom: comma-separated day names. For monthly: day number (1-31)."},
				"prompt":{"type":"string","description":"The instruction to run when the schedule fires, as if the user typed it"}
			},"required":["description","time","recurrence","prompt"]}`),
			core.CategorySchedule, t.dispatchCreate},
		scheduleTool{t, "schedule_list",
			"List all scheduled follow-ups in this chat with their schedules, status, and next run time.",
			json.RawMessage(`{"type":"object","properties":{}}`),
			core.CategorySchedule, t.dispatchList},
		scheduleTool{t, "schedule_update",
			"Update a scheduled follow-up: enable/disable it or change its schedule.",
			json.RawMessage(`{"type":"object","properties":{
				"description_query":{"type":"string","description":"Substring to match the scheduled follow-up's description"},
				"enabled":{"type":"boolean","description":"Set to true to enable, false to disable/pause"},
				"time":{"type":"string","description":"New time in HH:MM format (optional)"},
				"recurrence":{"type":"string","enum":["once","daily","custom","weekly","monthly"],"description":"New recurrence (optional)"},
				"day":{"type":"string","description":"New day(s) (optional)"}
			},"required":["description_query"]}`),
			core.CategorySchedule, t.dispatchUpdate},
		scheduleTool{t, "schedule_delete",
			"Delete a scheduled follow-up. Matches by description substring, or '*' to delete all in this chat.",
			json.RawMessage(`{"type":"object","properties":{
				"description_query":{"type":"string","description":"Substring to match the description, or '*' for all"}
			},"required":["description_query"]}`),
			core.CategorySchedule, t.dispatchDelete},
	}
}

// scheduleTool adapts one schedule_* operation bound to a *Tool chat to
// core.Tool.
type scheduleTool struct {
	owner  *Tool
	name   string
	desc   string
	schema json.RawMessage
	cat    core.ToolCategory
	fn     func(context.Context, json.RawMessage) (core.ToolResult, error)
}

func (s scheduleTool) Name() string                { return s.name }
func (s scheduleTool) Description() string         { return s.desc }
func (s scheduleTool) Schema() json.RawMessage     { return s.schema }
func (s scheduleTool) Category() core.ToolCategory { return s.cat }
func (s scheduleTool) Execute(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	return s.fn(ctx, args)
}

func (t *Tool) dispatchCreate(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleCreate(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) dispatchList(ctx context.Context, _ json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleList(ctx)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) dispatchUpdate(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleUpdate(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) dispatchDelete(ctx context.Context, args json.RawMessage) (core.ToolResult, error) {
	result, err := t.handleDelete(ctx, args)
	if err != nil {
		return core.ToolResult{Error: err.Error()}, nil
	}
	return core.ToolResult{Content: result}, nil
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Description string `json:"description"`
		Time        string `json:"time"`
		Recurrence  string `json:"recurrence"`
		Day         string `json:"day"`
		Prompt      string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	schedule := buildScheduleString(p.Time, p.Recurrence, p.Day)
	now := core.NowUnix()
	nextRun, ok := task.ComputeNextRun(schedule, now, t.tzOffset)
	if !ok {
		return "", fmt.Errorf("invalid schedule format: %s", schedule)
	}

	f := core.ScheduledFollowUp{
		ID:          core.NewID(),
		ChatID:      t.chatID,
		Description: p.Description,
		Schedule:    schedule,
		Prompt:      p.Prompt,
		TZOffset:    t.tzOffset,
		NextRun:     nextRun,
		Enabled:     true,
		CreatedAt:   now,
	}

	if err := t.store.CreateFollowUp(ctx, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("Scheduled: %s\nSchedule: %s\nNext run: %s",
		p.Description, schedule, task.FormatLocalTime(nextRun, t.tzOffset)), nil
}

func (t *Tool) handleList(ctx context.Context) (string, error) {
	all, err := t.store.ListFollowUps(ctx)
	if err != nil {
		return "", err
	}
	followUps := filterByChat(all, t.chatID)
	if len(followUps) == 0 {
		return "No scheduled follow-ups.", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d scheduled follow-up(s):\n\n", len(followUps))
	for i, f := range followUps {
		status := "active"
		if !f.Enabled {
			status = "paused"
		}
		fmt.Fprintf(&out, "%d. %s [%s]\n   Schedule: %s | Next: %s\n",
			i+1, f.Description, status, f.Schedule,
			task.FormatLocalTime(f.NextRun, t.tzOffset))
	}
	return out.String(), nil
}

func (t *Tool) handleUpdate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		DescriptionQuery string  `json:"description_query"`
		Enabled          *bool   `json:"enabled"`
		Time             *string `json:"time"`
		Recurrence       *string `json:"recurrence"`
		Day              *string `json:"day"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	match, err := t.findOne(ctx, p.DescriptionQuery)
	if err != nil {
		return "", err
	}

	var changes []string

	if p.Enabled != nil {
		if err := t.store.SetFollowUpEnabled(ctx, match.ID, *p.Enabled); err != nil {
			return "", err
		}
		if *p.Enabled {
			changes = append(changes, "enabled")
		} else {
			changes = append(changes, "paused")
		}
	}

	if p.Time != nil || p.Recurrence != nil {
		parts := strings.SplitN(match.Schedule, " ", 2)
		currentTime := "08:00"
		currentRec := "daily"
		if len(parts) >= 1 {
			currentTime = parts[0]
		}
		if len(parts) >= 2 {
			currentRec = parts[1]
		}

		newTime := currentTime
		if p.Time != nil {
			newTime = *p.Time
		}

		newRec := currentRec
		if p.Recurrence != nil {
			day := ""
			if p.Day != nil {
				day = *p.Day
			}
			newRec = buildRecurrencePart(*p.Recurrence, day)
		}

		newSchedule := newTime + " " + newRec
		now := core.NowUnix()
		nextRun, ok := task.ComputeNextRun(newSchedule, now, t.tzOffset)
		if !ok {
			return "", fmt.Errorf("invalid schedule: %s", newSchedule)
		}

		match.Schedule = newSchedule
		match.NextRun = nextRun
		if err := t.store.UpdateFollowUp(ctx, match); err != nil {
			return "", err
		}
		changes = append(changes, "schedule updated")
	}

	if len(changes) == 0 {
		return "No changes specified.", nil
	}

	return fmt.Sprintf("Updated %q: %s", match.Description, strings.Join(changes, ", ")), nil
}

func (t *Tool) handleDelete(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		DescriptionQuery string `json:"description_query"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	all, err := t.store.ListFollowUps(ctx)
	if err != nil {
		return "", err
	}
	followUps := filterByChat(all, t.chatID)

	if p.DescriptionQuery == "*" {
		for _, f := range followUps {
			if err := t.store.DeleteFollowUp(ctx, f.ID); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Deleted all %d scheduled follow-up(s).", len(followUps)), nil
	}

	matches := matchByDescription(followUps, p.DescriptionQuery)
	if len(matches) == 0 {
		return fmt.Sprintf("No scheduled follow-up matching %q.", p.DescriptionQuery), nil
	}

	for _, f := range matches {
		if err := t.store.DeleteFollowUp(ctx, f.ID); err != nil {
			return "", err
		}
	}

	if len(matches) == 1 {
		return fmt.Sprintf("Deleted: %s", matches[0].Description), nil
	}
	return fmt.Sprintf("Deleted %d scheduled follow-up(s).", len(matches)), nil
}

// findOne locates exactly one follow-up in this chat matching query, or
// returns a descriptive error suitable for surfacing to the caller.
func (t *Tool) findOne(ctx context.Context, query string) (core.ScheduledFollowUp, error) {
	all, err := t.store.ListFollowUps(ctx)
	if err != nil {
		return core.ScheduledFollowUp{}, err
	}
	matches := matchByDescription(filterByChat(all, t.chatID), query)
	if len(matches) == 0 {
		return core.ScheduledFollowUp{}, fmt.Errorf("no scheduled follow-up matching %q", query)
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, f := range matches {
			names[i] = f.Description
		}
		return core.ScheduledFollowUp{}, fmt.Errorf("multiple matches: %s. Be more specific", strings.Join(names, ", "))
	}
	return matches[0], nil
}

func filterByChat(all []core.ScheduledFollowUp, chatID string) []core.ScheduledFollowUp {
	out := make([]core.ScheduledFollowUp, 0, len(all))
	for _, f := range all {
		if f.ChatID == chatID {
			out = append(out, f)
		}
	}
	return out
}

func matchByDescription(followUps []core.ScheduledFollowUp, query string) []core.ScheduledFollowUp {
	var out []core.ScheduledFollowUp
	lowerQuery := strings.ToLower(query)
	for _, f := range followUps {
		if strings.Contains(strings.ToLower(f.Description), lowerQuery) {
			out = append(out, f)
		}
	}
	return out
}

// --- schedule string helpers ---

func buildScheduleString(timeStr, recurrence, day string) string {
	if timeStr == "" {
		timeStr = "08:00"
	}
	return timeStr + " " + buildRecurrencePart(recurrence, day)
}

func buildRecurrencePart(recurrence, day string) string {
	switch recurrence {
	case "once":
		return "once"
	case "custom":
		if day == "" {
			day = "monday,wednesday,friday"
		}
		return fmt.Sprintf("custom(%s)", normalizeDayList(day))
	case "weekly":
		if day == "" {
			day = "monday"
		}
		return fmt.Sprintf("weekly(%s)", strings.ToLower(strings.TrimSpace(day)))
	case "monthly":
		if day == "" {
			day = "1"
		}
		return fmt.Sprintf("monthly(%s)", day)
	default:
		return "daily"
	}
}

func normalizeDayList(input string) string {
	parts := strings.Split(input, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}
