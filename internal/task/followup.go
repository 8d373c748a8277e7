package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Dispatch re-enters the Dispatcher for a chat with a synthetic prompt, as
// if the user themself had just sent it. The task package depends on this
// narrow function rather than the whole Dispatcher to avoid an import
// cycle (internal/dispatcher enqueues onto Runner).
type Dispatch func(ctx context.Context, chatID, prompt string)

// FollowUpScheduler polls TaskStore for due ScheduledFollowUps and
// re-injects them into the Dispatcher (supplemented feature, SPEC_FULL.md
// §3), grounded on the teacher's scheduled-action poller.
type FollowUpScheduler struct {
	store    core.TaskStore
	dispatch Dispatch
	logger   *slog.Logger
	interval time.Duration
}

func NewFollowUpScheduler(store core.TaskStore, dispatch Dispatch, logger *slog.Logger) *FollowUpScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUpScheduler{store: store, dispatch: dispatch, logger: logger, interval: 60 * time.Second}
}

// Run polls every interval until ctx is cancelled.
func (s *FollowUpScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkAndRun(ctx); err != nil {
				s.logger.Error("follow-up check failed", "err", err)
			}
		}
	}
}

func (s *FollowUpScheduler) checkAndRun(ctx context.Context) error {
	due, err := s.store.GetDueFollowUps(ctx, core.NowUnix())
	if err != nil {
		return err
	}
	for _, f := range due {
		s.fire(ctx, f)
	}
	return nil
}

func (s *FollowUpScheduler) fire(ctx context.Context, f core.ScheduledFollowUp) {
	s.logger.Info("firing scheduled follow-up", "id", f.ID, "description", f.Description)
	s.dispatch(ctx, f.ChatID, f.Prompt)

	if strings.HasSuffix(f.Schedule, " once") {
		_ = s.store.SetFollowUpEnabled(ctx, f.ID, false)
		return
	}
	next, ok := ComputeNextRun(f.Schedule, core.NowUnix(), f.TZOffset)
	if !ok {
		next = core.NowUnix() + 86400
	}
	f.NextRun = next
	if err := s.store.UpdateFollowUp(ctx, f); err != nil {
		s.logger.Error("advance follow-up schedule failed", "id", f.ID, "err", err)
	}
	s.logger.Info("follow-up rescheduled", "id", f.ID, "next_run", fmt.Sprintf("%s (+%d UTC)", FormatLocalTime(next, f.TZOffset), f.TZOffset))
}
