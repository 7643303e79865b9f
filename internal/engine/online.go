package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"registrar/internal/counter"
	"registrar/internal/models"
	"registrar/internal/rules"
	"registrar/internal/store"
)

// Request describes one online registration or unregistration attempt.
type Request struct {
	UserEmail    string
	CreatorEmail string
	ActivityID   string

	// ScheduleIDs and AccessPointIDs are parallel selections, one
	// access point per schedule.
	ScheduleIDs    []string
	AccessPointIDs []string

	QueueTime time.Time
	Force     bool
	Notify    bool
}

func (r Request) withDefaults() Request {
	if r.QueueTime.IsZero() {
		r.QueueTime = time.Now().UTC()
	}
	return r
}

// registrationLockName serializes all state changes for one user in
// one activity, online and offline alike.
func registrationLockName(user, activityID string) string {
	return user + ":" + activityID
}

// RegisterOnline attempts to enroll the user. It answers immediately
// with the rules' optimistic decision; the accepted registration is
// left READY for the offline loop to confirm.
func (e *Engine) RegisterOnline(ctx context.Context, req Request) (models.Status, []string, error) {
	req = req.withDefaults()
	ec, err := e.contextFromRequest(ctx, req)
	if err != nil {
		return models.StatusNone, nil, err
	}

	var final models.Status
	var reasons []string
	err = e.locks.WithLock(ctx, registrationLockName(req.UserEmail, req.ActivityID), func(ctx context.Context) error {
		var lerr error
		final, reasons, lerr = e.registerLocked(ctx, req, ec)
		return lerr
	})
	return final, reasons, err
}

func (e *Engine) registerLocked(ctx context.Context, req Request, ec rules.Context) (models.Status, []string, error) {
	active, err := e.store.ActiveRegistration(ctx, req.UserEmail, req.ActivityID)
	switch {
	case err == nil:
		if !req.Force {
			log.Printf("level=info msg=\"re-register attempt\" user=%s activity=%s status=%s",
				req.UserEmail, req.ActivityID, active.Status)
			return active.Status, []string{"already registered"}, nil
		}
		if active.Status != models.StatusEnrolled {
			active.Status = models.StatusEnrolled
			active.Confirmed = models.ConfirmReady
			active.ForceStatus = true
			if err := e.store.SaveRegistration(ctx, active); err != nil {
				return models.StatusNone, nil, err
			}
		}
		return models.StatusEnrolled, []string{"force enrolled"}, nil
	case !errors.Is(err, store.ErrNotFound):
		return models.StatusNone, nil, err
	}

	// A provisional row is written before the rules run. It is invisible
	// to the offline loop (NOT_READY) but counts toward online capacity
	// rebuilds, so a cache wipe mid-request over-counts instead of
	// handing the same slot out twice.
	provisional := models.Registration{
		ID:             uuid.NewString(),
		UserEmail:      req.UserEmail,
		CreatorEmail:   ec.CreatorEmail,
		ProgramID:      ec.Program.ID,
		ActivityID:     ec.Activity.ID,
		ScheduleIDs:    req.ScheduleIDs,
		AccessPointIDs: req.AccessPointIDs,
		QueueTime:      req.QueueTime,
		Status:         models.StatusEnrolled,
		Confirmed:      models.ConfirmNotReady,
		Active:         models.ActiveNo,
		ForceStatus:    req.Force,
		NotifyEmail:    req.Notify,
	}
	if err := e.store.SaveRegistration(ctx, provisional); err != nil {
		return models.StatusNone, nil, err
	}

	res, err := e.evaluate(ctx, ec, models.StatusNone, models.StatusEnrolled, true, counter.ModeNormal, "")
	if err != nil {
		if derr := e.store.DeleteRegistration(ctx, provisional.ID); derr != nil {
			log.Printf("level=error msg=\"provisional cleanup failed\" id=%s err=%q", provisional.ID, derr)
		}
		return models.StatusNone, nil, err
	}
	rulesNotify(ctx, res.final, res.outcomes)

	var reasons []string
	if res.final != models.StatusEnrolled {
		reasons = res.reasons()
	}

	if res.final == models.StatusNone {
		if err := e.store.DeleteRegistration(ctx, provisional.ID); err != nil {
			return models.StatusNone, nil, err
		}
	} else {
		provisional.Status = res.final
		provisional.Confirmed = models.ConfirmReady
		provisional.Active = models.ActiveYes
		provisional.RuleTags = res.allTags
		provisional.AffectingTags = res.affectingTags
		provisional.AffectingConfigs = res.affectingConfigs
		if err := e.store.SaveRegistration(ctx, provisional); err != nil {
			return models.StatusNone, nil, err
		}
	}

	log.Printf("level=info msg=\"register online\" user=%s activity=%s status=%s reasons=%q",
		req.UserEmail, req.ActivityID, statusName(res.final), reasons)
	return res.final, reasons, nil
}

// UnregisterOnline records the user's intent to leave an activity. The
// active row is deactivated and a child UNREGISTERED row queued; the
// offline loop frees the held resources later.
func (e *Engine) UnregisterOnline(ctx context.Context, req Request) (models.Status, []string, error) {
	req = req.withDefaults()
	var final models.Status
	var reasons []string
	err := e.locks.WithLock(ctx, registrationLockName(req.UserEmail, req.ActivityID), func(ctx context.Context) error {
		var err error
		final, reasons, err = e.unregisterLocked(ctx, req)
		return err
	})
	return final, reasons, err
}

func (e *Engine) unregisterLocked(ctx context.Context, req Request) (models.Status, []string, error) {
	active, err := e.store.ActiveRegistration(ctx, req.UserEmail, req.ActivityID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("level=info msg=\"unregister without registration\" user=%s activity=%s",
			req.UserEmail, req.ActivityID)
		return models.StatusUnregistered, []string{"not registered"}, nil
	}
	if err != nil {
		return models.StatusNone, nil, err
	}

	ec, err := e.contextFromRegistration(ctx, active)
	if err != nil {
		return models.StatusNone, nil, err
	}
	ec.Force = req.Force
	ec.QueueTime = req.QueueTime

	// Unregister evaluation reserves nothing; resources are freed only
	// when the offline loop drains the row.
	res, err := e.evaluate(ctx, ec, active.Status, models.StatusUnregistered, true, counter.ModeNormal, "")
	if err != nil {
		return models.StatusNone, nil, err
	}

	var reasons []string
	if res.final == models.StatusUnregistered {
		child := models.Registration{
			ID:               uuid.NewString(),
			UserEmail:        active.UserEmail,
			CreatorEmail:     active.CreatorEmail,
			ProgramID:        active.ProgramID,
			ActivityID:       active.ActivityID,
			ScheduleIDs:      active.ScheduleIDs,
			AccessPointIDs:   active.AccessPointIDs,
			QueueTime:        req.QueueTime,
			Status:           models.StatusUnregistered,
			Confirmed:        models.ConfirmReady,
			Active:           models.ActiveNo,
			RuleTags:         res.allTags,
			AffectingTags:    res.affectingTags,
			AffectingConfigs: res.affectingConfigs,
			ForceStatus:      ec.Force,
			NotifyEmail:      active.NotifyEmail,
			ParentID:         active.ID,
		}
		if err := e.store.SaveRegistration(ctx, child); err != nil {
			return models.StatusNone, nil, err
		}
		active.Active = models.ActiveNo
		if err := e.store.SaveRegistration(ctx, active); err != nil {
			return models.StatusNone, nil, err
		}
	} else {
		reasons = res.reasons()
	}

	log.Printf("level=info msg=\"unregister online\" user=%s activity=%s status=%s reasons=%q",
		req.UserEmail, req.ActivityID, statusName(res.final), reasons)
	return res.final, reasons, nil
}

// Prediction is the simulated outcome of a registration attempt.
type Prediction struct {
	Status  models.Status
	Reasons []string

	// SlotsRemaining is the activity capacity left after discounting
	// the simulated attempt; meaningful only when HasCapacityRule.
	// Negative values are waitlist depth.
	SlotsRemaining   int64
	HasCapacityRule  bool
	CapacityDecisive bool
}

// Predict simulates an online enrollment without holding resources or
// writing anything.
func (e *Engine) Predict(ctx context.Context, req Request) (Prediction, error) {
	req = req.withDefaults()
	ec, err := e.contextFromRequest(ctx, req)
	if err != nil {
		return Prediction{}, err
	}

	res, err := e.evaluate(ctx, ec, models.StatusNone, models.StatusEnrolled, true, counter.ModePrediction, "")
	if err != nil {
		return Prediction{}, err
	}
	// Replay a denial so any rule that did mutate state undoes it.
	rulesNotify(ctx, models.StatusNone, res.outcomes)

	p := Prediction{Status: res.final}
	if res.final != models.StatusEnrolled {
		p.Reasons = res.reasons()
	}
	for _, o := range res.outcomes {
		if o.config.Name == "max_people_activity" && o.verdict.HasRemaining {
			// The prediction itself was counted; give the slot back.
			p.SlotsRemaining = o.verdict.ResourceRemaining + 1
			p.HasCapacityRule = true
			break
		}
	}
	for _, cfg := range res.affectingConfigs {
		if cfg.Name == "max_people_activity" {
			p.CapacityDecisive = true
		}
	}
	return p, nil
}

// WaitlistRank returns the user's 1-based position among registrants
// whose only obstacle is the activity capacity rule. Registrants
// waiting on other rules (approval, restrictions) hold no orderable
// slot and are skipped. Returns 0 when the user is not waitlisted.
func (e *Engine) WaitlistRank(ctx context.Context, user, activityID string) (int, error) {
	regs, err := e.store.WaitlistedRegistrations(ctx, activityID)
	if err != nil {
		return 0, err
	}
	rank := 1
	for _, reg := range regs {
		if reg.UserEmail == user {
			return rank, nil
		}
		if onlyWaitingForCapacity(reg) {
			rank++
		}
	}
	return 0, nil
}

func onlyWaitingForCapacity(reg models.Registration) bool {
	return reg.Status == models.StatusWaitlisted &&
		len(reg.AffectingConfigs) == 1 &&
		reg.AffectingConfigs[0].Name == "max_people_activity"
}
