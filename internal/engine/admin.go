package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/rules"
	"registrar/internal/store"
)

// UpdateOwnerRules reconciles an owner's rule set with the requested
// one and queues whatever reprocessing the change requires. Modified
// and new configs get fresh keys, detaching them from any counter
// state accumulated under the old parameters. The caller persists the
// returned configs on the owner.
//
// Adding a brand-new rule reprocesses the owner's whole scope; mere
// parameter changes target only the registrations stamped with the
// changed configs' tags.
func (e *Engine) UpdateOwnerRules(ctx context.Context, ownerID string, current, updated []models.RuleConfig, scheduleIDs []string) ([]models.RuleConfig, error) {
	pending := make(map[string]models.RuleConfig, len(updated))
	for _, cfg := range updated {
		if _, ok := rules.Lookup(cfg.Name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, cfg.Name)
		}
		if _, dup := pending[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate rule %q for owner %s", cfg.Name, ownerID)
		}
		pending[cfg.Name] = cfg
	}

	var next []models.RuleConfig
	var retired []models.RuleConfig
	for _, cur := range current {
		nc, ok := pending[cur.Name]
		if !ok {
			retired = append(retired, cur)
			continue
		}
		delete(pending, cur.Name)
		if bytes.Equal(cur.Parameters, nc.Parameters) {
			next = append(next, cur)
			continue
		}
		retired = append(retired, cur)
		nc.Key = uuid.NewString()
		next = append(next, nc)
	}

	added := false
	for _, cfg := range updated {
		nc, ok := pending[cfg.Name]
		if !ok {
			continue
		}
		delete(pending, cfg.Name)
		nc.Key = uuid.NewString()
		next = append(next, nc)
		added = true
	}

	switch {
	case added:
		// New rules apply workflows to existing registrations too, so
		// everything under the owner goes through again.
		if err := e.SaveReprocessTags(ctx, []string{entityTag(ownerID)}); err != nil {
			return nil, err
		}
	case len(retired) > 0:
		var tags []string
		for _, cfg := range retired {
			d, ok := rules.Lookup(cfg.Name)
			if !ok {
				continue
			}
			tags = append(tags, d.ReprocessTags(cfg, scheduleIDs)...)
		}
		if err := e.SaveReprocessTags(ctx, tags); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// SyncActivityRegistrations remaps every active registration of the
// activity onto its current schedule set, taking each registration's
// lock in turn.
func (e *Engine) SyncActivityRegistrations(ctx context.Context, activityID string, notifyUsers bool) error {
	regs, err := e.store.RegistrationsByActivity(ctx, activityID)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if reg.Active != models.ActiveYes {
			continue
		}
		id := reg.ID
		err := e.locks.WithLock(ctx, registrationLockName(reg.UserEmail, reg.ActivityID), func(ctx context.Context) error {
			return e.resyncRegistrations(ctx, activityID, []string{id}, notifyUsers)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resyncRegistrations rewrites stale schedule and access-point
// selections. Dropped schedules fall away, surviving ones keep their
// access point when still offered and otherwise get one at the same
// office, and added schedules get an access point matching the office
// the registrant already chose. The caller holds the registration
// locks.
func (e *Engine) resyncRegistrations(ctx context.Context, activityID string, regIDs []string, notifyUsers bool) error {
	log.Printf("level=info msg=\"resyncing registrations\" activity=%s count=%d", activityID, len(regIDs))
	schedules, err := e.store.SchedulesByActivity(ctx, activityID)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Schedule, len(schedules))
	for _, sc := range schedules {
		byID[sc.ID] = sc
	}

	aps := map[string]models.AccessPoint{}
	office := func(apID string) (string, error) {
		ap, ok := aps[apID]
		if !ok {
			var err error
			ap, err = e.store.GetAccessPoint(ctx, apID)
			if err != nil {
				return "", err
			}
			aps[apID] = ap
		}
		if len(ap.Tags) == 0 {
			return "", nil
		}
		return ap.Tags[0], nil
	}
	// Every schedule of an activity offers the same offices, so a match
	// by the reference access point's office must exist.
	pickByOffice := func(refAPID string, sc models.Schedule) (string, error) {
		want, err := office(refAPID)
		if err != nil {
			return "", err
		}
		candidates := append(append([]string{}, sc.AccessPointIDs...), sc.AccessPointIDsBackup...)
		for _, id := range candidates {
			got, err := office(id)
			if err != nil {
				return "", err
			}
			if got == want {
				return id, nil
			}
		}
		return "", fmt.Errorf("schedule %s offers no access point at office %q", sc.ID, want)
	}

	for _, regID := range regIDs {
		reg, err := e.store.GetRegistration(ctx, regID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		var newSchedules, newAPs []string
		for i, sid := range reg.ScheduleIDs {
			sc, ok := byID[sid]
			if !ok {
				continue
			}
			apID := reg.AccessPointIDs[i]
			if !sc.HasAccessPoint(apID) {
				apID, err = pickByOffice(apID, sc)
				if err != nil {
					return err
				}
			}
			newSchedules = append(newSchedules, sid)
			newAPs = append(newAPs, apID)
		}
		for _, sc := range schedules {
			if containsString(newSchedules, sc.ID) {
				continue
			}
			var apID string
			if len(reg.AccessPointIDs) > 0 {
				apID, err = pickByOffice(reg.AccessPointIDs[0], sc)
				if err != nil {
					return err
				}
			} else if len(sc.AccessPointIDs) > 0 {
				apID = sc.AccessPointIDs[0]
			}
			newSchedules = append(newSchedules, sc.ID)
			newAPs = append(newAPs, apID)
		}

		changed := !equalSelections(reg.ScheduleIDs, reg.AccessPointIDs, newSchedules, newAPs)
		reg.ScheduleIDs = newSchedules
		reg.AccessPointIDs = newAPs
		if err := e.store.SaveRegistration(ctx, reg); err != nil {
			return err
		}

		if changed && notifyUsers && reg.NotifyEmail {
			activity, err := e.store.GetActivity(ctx, activityID)
			if err != nil {
				return err
			}
			e.send(ctx, notify.Notice{
				Kind:         notify.KindRegistrationUpdate,
				To:           reg.UserEmail,
				UserEmail:    reg.UserEmail,
				ActivityName: activity.Name,
				ActivityID:   activity.ID,
			})
		}
	}
	return nil
}

func equalSelections(oldS, oldA, newS, newA []string) bool {
	if len(oldS) != len(newS) {
		return false
	}
	old := make(map[string]string, len(oldS))
	for i, sid := range oldS {
		old[sid] = oldA[i]
	}
	for i, sid := range newS {
		if old[sid] != newA[i] {
			return false
		}
	}
	return true
}

// DeleteOwner drives the cascading soft delete of a program or
// activity. Active registrations are force-unregistered through the
// normal online path first; once the offline loop has drained them a
// follow-up call finds none left and marks the hierarchy deleted.
// Returns true when the entity is gone.
func (e *Engine) DeleteOwner(ctx context.Context, ownerID string) (bool, error) {
	if activity, err := e.store.GetActivity(ctx, ownerID); err == nil {
		return e.deleteOwner(ctx, models.Program{}, []models.Activity{activity}, activity.Deleted)
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	program, err := e.store.GetProgram(ctx, ownerID)
	if err != nil {
		return false, err
	}
	activities, err := e.store.ActivitiesByProgram(ctx, program.ID)
	if err != nil {
		return false, err
	}
	return e.deleteOwner(ctx, program, activities, program.Deleted)
}

func (e *Engine) deleteOwner(ctx context.Context, program models.Program, activities []models.Activity, alreadyDeleted bool) (bool, error) {
	if alreadyDeleted {
		return true, nil
	}

	// Flag the whole subtree first so new registrations stop arriving
	// while the drain is in flight.
	if program.ID != "" && !program.ToBeDeleted {
		program.ToBeDeleted = true
		if err := e.store.SaveProgram(ctx, program); err != nil {
			return false, err
		}
	}
	for i := range activities {
		if activities[i].ToBeDeleted {
			continue
		}
		activities[i].ToBeDeleted = true
		if err := e.store.SaveActivity(ctx, activities[i]); err != nil {
			return false, err
		}
	}

	drained := true
	for _, activity := range activities {
		regs, err := e.store.RegistrationsByActivity(ctx, activity.ID)
		if err != nil {
			return false, err
		}
		for _, reg := range regs {
			if reg.Active != models.ActiveYes {
				continue
			}
			drained = false
			_, _, err := e.UnregisterOnline(ctx, Request{
				UserEmail:  reg.UserEmail,
				ActivityID: reg.ActivityID,
				Force:      true,
			})
			if err != nil {
				return false, err
			}
		}
	}
	if !drained {
		log.Printf("level=info msg=\"delete pending on offline drain\" program=%s activities=%d",
			program.ID, len(activities))
		return false, nil
	}

	if program.ID != "" {
		if err := markDeletedDepthFirst(ctx, programNode{e, program}); err != nil {
			return false, err
		}
		return true, nil
	}
	for _, activity := range activities {
		if err := markDeletedDepthFirst(ctx, activityNode{e, activity}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ownerNode is one entity in the soft-delete tree. Children are marked
// before their parent so a partial failure never leaves a deleted
// parent over live children.
type ownerNode interface {
	Children(ctx context.Context) ([]ownerNode, error)
	MarkDeleted(ctx context.Context) error
}

func markDeletedDepthFirst(ctx context.Context, n ownerNode) error {
	children, err := n.Children(ctx)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := markDeletedDepthFirst(ctx, c); err != nil {
			return err
		}
	}
	return n.MarkDeleted(ctx)
}

type programNode struct {
	e *Engine
	p models.Program
}

func (n programNode) Children(ctx context.Context) ([]ownerNode, error) {
	activities, err := n.e.store.ActivitiesByProgram(ctx, n.p.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ownerNode, 0, len(activities))
	for _, a := range activities {
		out = append(out, activityNode{n.e, a})
	}
	return out, nil
}

func (n programNode) MarkDeleted(ctx context.Context) error {
	n.p.Deleted = true
	n.p.Visible = false
	return n.e.store.SaveProgram(ctx, n.p)
}

type activityNode struct {
	e *Engine
	a models.Activity
}

func (n activityNode) Children(ctx context.Context) ([]ownerNode, error) {
	schedules, err := n.e.store.SchedulesByActivity(ctx, n.a.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ownerNode, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleNode{n.e, sc})
	}
	return out, nil
}

func (n activityNode) MarkDeleted(ctx context.Context) error {
	n.a.Deleted = true
	n.a.Visible = false
	return n.e.store.SaveActivity(ctx, n.a)
}

type scheduleNode struct {
	e  *Engine
	sc models.Schedule
}

func (scheduleNode) Children(context.Context) ([]ownerNode, error) { return nil, nil }

func (n scheduleNode) MarkDeleted(ctx context.Context) error {
	n.sc.Deleted = true
	return n.e.store.SaveSchedule(ctx, n.sc)
}
