package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"registrar/internal/models"
)

func init() {
	register(Descriptor{
		Name:          "time_frame_registration",
		Description:   "Registration window.",
		CanBatch:      true,
		New:           newTimeFrame,
		ReprocessTags: noReprocessTags,
	})
	register(Descriptor{
		Name:          "time_cancel",
		Description:   "Unregister deadline.",
		CanBatch:      true,
		New:           newTimeCancel,
		ReprocessTags: noReprocessTags,
	})
	register(Descriptor{
		Name:          "lock_past_activity",
		Description:   "Registrations locked for past activities.",
		CanBatch:      true,
		New:           newLockPastActivity,
		ReprocessTags: noReprocessTags,
	})
}

// timeFrame allows enrollment only inside a window. An early request is
// held at its initial status (waitlisted in practice) so the offline
// loop can enroll it once the window opens.
type timeFrame struct {
	ctx        Context
	start, end time.Time
}

type timeFrameParams struct {
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

func newTimeFrame(p Params) (Rule, error) {
	var tp timeFrameParams
	if err := json.Unmarshal(p.Config.Parameters, &tp); err != nil {
		return nil, fmt.Errorf("time_frame_registration params: %w", err)
	}
	return &timeFrame{ctx: p.Ctx, start: time.Unix(tp.StartTime, 0).UTC(), end: time.Unix(tp.EndTime, 0).UTC()}, nil
}

func (r *timeFrame) Evaluate(_ context.Context, initial, target models.Status) (Verdict, error) {
	if target != models.StatusEnrolled {
		return Verdict{Status: target}, nil
	}
	q := r.ctx.QueueTime
	if q.After(r.start) && q.Before(r.end) {
		return Verdict{Status: models.StatusEnrolled}, nil
	}
	return Verdict{Status: initial}, nil
}

func (r *timeFrame) ProcessOutcome(context.Context, models.Status, models.Status) {}

// timeCancel denies unregistering from an enrollment too close to the
// activity start.
type timeCancel struct {
	ctx      Context
	deadline time.Duration
}

type timeCancelParams struct {
	TimeToActivity int64 `json:"time_to_activity"`
}

func newTimeCancel(p Params) (Rule, error) {
	var tp timeCancelParams
	if err := json.Unmarshal(p.Config.Parameters, &tp); err != nil {
		return nil, fmt.Errorf("time_cancel params: %w", err)
	}
	return &timeCancel{ctx: p.Ctx, deadline: time.Duration(tp.TimeToActivity) * time.Second}, nil
}

func (r *timeCancel) Evaluate(_ context.Context, initial, target models.Status) (Verdict, error) {
	if target != models.StatusUnregistered || initial != models.StatusEnrolled {
		return Verdict{Status: target}, nil
	}
	cutoff := r.ctx.Activity.StartTime.Add(-r.deadline)
	if r.ctx.QueueTime.Before(cutoff) {
		return Verdict{Status: models.StatusUnregistered}, nil
	}
	return Verdict{Status: initial}, nil
}

func (r *timeCancel) ProcessOutcome(context.Context, models.Status, models.Status) {}

// lockPastActivity freezes online state changes once the activity has
// started. The offline loop is unaffected so in-flight work drains.
type lockPastActivity struct {
	ctx    Context
	online bool
}

func newLockPastActivity(p Params) (Rule, error) {
	return &lockPastActivity{ctx: p.Ctx, online: p.Online}, nil
}

func (r *lockPastActivity) Evaluate(_ context.Context, initial, target models.Status) (Verdict, error) {
	if r.online && r.ctx.QueueTime.After(r.ctx.Activity.StartTime) {
		return Verdict{Status: initial}, nil
	}
	return Verdict{Status: target}, nil
}

func (r *lockPastActivity) ProcessOutcome(context.Context, models.Status, models.Status) {}
