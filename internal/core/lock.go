package core

import (
	"context"
	"fmt"
	"time"
)

// ReapStaleLock force-releases a channel's run lock when it looks abandoned:
// the channel is running and its last run is unknown or older than the stale
// threshold. It reports whether the lock was released.
func (a *Engine) ReapStaleLock(ctx context.Context, channelID string, now time.Time) (bool, error) {
	ch, err := a.channels.GetChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	if ch.Automation == nil || !ch.Automation.IsRunning {
		return false, nil
	}
	if last := ch.Automation.LastRunAt; last != nil && now.Sub(*last) <= a.opts.StaleLockAfter {
		return false, nil
	}
	if err := a.channels.ReleaseRunLock(ctx, channelID, ""); err != nil {
		return false, fmt.Errorf("release stale lock: %w", err)
	}
	attrs := []any{"channel_id", channelID}
	if ch.Automation.LastRunAt != nil {
		attrs = append(attrs, "minutes_since_last_run", now.Sub(*ch.Automation.LastRunAt).Minutes())
	}
	a.logger.Warn("released stale run lock", attrs...)
	return true, nil
}

// releaseLock is best-effort: a failure is logged and never replaces the
// error that caused the release.
func (a *Engine) releaseLock(ctx context.Context, channelID, runID string) {
	if err := a.channels.ReleaseRunLock(context.WithoutCancel(ctx), channelID, runID); err != nil {
		a.logger.Error("release run lock", "channel_id", channelID, "run_id", runID, "err", err)
	}
}
