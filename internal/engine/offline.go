package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"registrar/internal/batch"
	"registrar/internal/counter"
	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/rules"
	"registrar/internal/store"
)

const (
	offlineLockName = "offline_process_run"

	// runMarkerKey is present while an offline step runs. Finding it at
	// the start of a step means the previous run died mid-flight and
	// its cache namespace cannot be trusted.
	runMarkerKey = "offline_run_in_progress"
	namespaceKey = "offline_namespace"

	// Two-phase waitlist reprocessing ledger: tags whose holders need a
	// second look, then the collected registration ids to flip READY.
	reprocessTagsKey = "offline_reprocess_tags"
	reprocessRegsKey = "offline_registrations_to_ready"

	reprocessQueryBatch = 20
	reprocessWriteBatch = 10

	// scheduleSyncLag keeps freshly edited schedules out of calendar
	// sync until their edits settle.
	scheduleSyncLag = time.Minute
)

// RunOffline drives the offline loop until no work remains or ctx is
// done. Safe to trigger from multiple places; each unit of work takes
// the offline lock.
func (e *Engine) RunOffline(ctx context.Context) error {
	for {
		more, err := e.ProcessOffline(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ProcessOffline performs one unit of offline work and reports whether
// more may remain.
func (e *Engine) ProcessOffline(ctx context.Context) (bool, error) {
	var more bool
	err := e.locks.WithLock(ctx, offlineLockName, func(ctx context.Context) error {
		var werr error
		more, werr = e.processOfflineUnsafe(ctx)
		return werr
	})
	return more, err
}

// processOfflineUnsafe runs under the offline lock. Unregistrations
// drain first so their slots are counted free before enrollments are
// confirmed; waitlisted rows go last, and only after the reprocessing
// ledger has flipped any that regained a chance back to READY.
func (e *Engine) processOfflineUnsafe(ctx context.Context) (bool, error) {
	if more, err := batch.Run(ctx, e.store, e.calendarSyncWork()); err != nil || more {
		return more, err
	}
	if did, err := e.fetchAndProcess(ctx, models.StatusUnregistered, e.unregisterOffline); did || err != nil {
		return did, err
	}
	if did, err := e.fetchAndProcess(ctx, models.StatusEnrolled, e.registerOffline); did || err != nil {
		return did, err
	}
	if did, err := e.readyWaitingRegistrations(ctx); did || err != nil {
		return did, err
	}
	return e.fetchAndProcess(ctx, models.StatusWaitlisted, e.registerOffline)
}

// fetchAndProcess picks the oldest READY row with the given status and
// hands it to fn under the registration lock, re-checking that the row
// did not change while unlocked.
func (e *Engine) fetchAndProcess(ctx context.Context, status models.Status, fn func(context.Context, models.Registration, string) error) (bool, error) {
	rec, err := e.store.NextReady(ctx, status)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = e.locks.WithLock(ctx, registrationLockName(rec.UserEmail, rec.ActivityID), func(ctx context.Context) error {
		cur, err := e.store.GetRegistration(ctx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != status || cur.Confirmed != models.ConfirmReady {
			return nil
		}
		return e.checkpointed(ctx, func(ctx context.Context, ns string) error {
			return fn(ctx, cur, ns)
		})
	})
	return true, err
}

// checkpointed brackets fn with the run marker. A marker left behind by
// a crashed run rotates the offline cache namespace, abandoning
// whatever half-written counter state that run produced.
func (e *Engine) checkpointed(ctx context.Context, fn func(context.Context, string) error) error {
	var ns string
	_, _, err := e.store.GetConfig(ctx, runMarkerKey)
	switch {
	case err == nil:
		ns, err = e.rotateNamespace(ctx)
		if err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		if err := e.store.SetConfig(ctx, runMarkerKey, "", nil); err != nil {
			return err
		}
		ns, _, err = e.store.GetConfig(ctx, namespaceKey)
		if errors.Is(err, store.ErrNotFound) {
			ns, err = e.rotateNamespace(ctx)
		}
		if err != nil {
			return err
		}
	default:
		return err
	}

	if err := fn(ctx, ns); err != nil {
		// The marker stays; the next run rotates the namespace.
		return err
	}
	return e.store.DeleteConfig(ctx, runMarkerKey)
}

func (e *Engine) rotateNamespace(ctx context.Context) (string, error) {
	ns := "__cache_ns_" + uuid.NewString()
	if err := e.store.SetConfig(ctx, namespaceKey, ns, nil); err != nil {
		return "", err
	}
	log.Printf("level=info msg=\"offline cache namespace rotated\" namespace=%s", ns)
	return ns, nil
}

// unregisterOffline drains one READY unregistration: frees the online
// reservation (once), decrements offline counts when the parent
// enrollment had been confirmed, queues affected waitlist tags for
// reprocessing, notifies, and removes the pair of rows.
func (e *Engine) unregisterOffline(ctx context.Context, unreg models.Registration, ns string) error {
	parent, err := e.store.GetRegistration(ctx, unreg.ParentID)
	if err != nil {
		return fmt.Errorf("unregistration %s parent: %w", unreg.ID, err)
	}
	processedEnroll := parent.Status == models.StatusEnrolled && parent.Confirmed == models.ConfirmProcessed

	ec, err := e.contextFromRegistration(ctx, unreg)
	if err != nil {
		return err
	}

	// Users may re-register immediately after unregistering online, so
	// the unregistration must go through: a rule blocking it here would
	// leave two live registrations for the pair.
	res, err := e.evaluate(ctx, ec, parent.Status, models.StatusUnregistered, false, counter.ModeNormal, ns)
	if err != nil {
		return err
	}
	if res.final != models.StatusUnregistered {
		return fmt.Errorf("%w: offline unregistration of %s evaluated to %s",
			ErrBadTransition, unreg.ID, statusName(res.final))
	}

	// Flag before freeing so a crash between the two over-counts online
	// instead of double-decrementing.
	alreadyFreed := unreg.OnlineFreed
	unreg.OnlineFreed = true
	if err := e.store.SaveRegistration(ctx, unreg); err != nil {
		return err
	}

	log.Printf("level=info msg=\"unregister offline\" user=%s activity=%s processed_enroll=%t tags=%q",
		unreg.UserEmail, unreg.ActivityID, processedEnroll, res.affectingTags)

	if !alreadyFreed {
		if err := e.rulesNotifyOnline(ctx, ec, res.configs, models.StatusUnregistered, models.StatusUnregistered); err != nil {
			return err
		}
	}

	if processedEnroll {
		rulesNotify(ctx, res.final, res.outcomes)
		if err := e.SaveReprocessTags(ctx, res.affectingTags); err != nil {
			return err
		}
	}

	e.notifyAndSync(ctx, &unreg, &parent, "")

	// Both rows go away entirely. Keeping a processed unregistration
	// around would poison counter rebuilds, which only read processed
	// enrollments.
	if err := e.store.DeleteRegistration(ctx, unreg.ID); err != nil {
		return err
	}
	if err := e.store.DeleteRegistration(ctx, parent.ID); err != nil {
		return err
	}

	// Approvals belong to the pair; a later registration starts the
	// workflow over.
	for _, cfg := range res.configs {
		if cfg.Name != "manager_approval" {
			continue
		}
		id := rules.ApprovalID(cfg.Key, unreg.ActivityID, unreg.UserEmail)
		if err := e.store.DeleteApproval(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// registerOffline confirms one READY enrollment or waitlisted row
// against authoritative store counts. A denial at this stage unwinds
// the registration completely and refunds the online reservation.
func (e *Engine) registerOffline(ctx context.Context, reg models.Registration, ns string) error {
	schedules, err := e.store.SchedulesByActivity(ctx, reg.ActivityID)
	if err != nil {
		return err
	}
	if !registrationValid(reg, schedules) {
		// Activity changed since the user registered; remap the
		// selections first. Notifications wait until the final state.
		if err := e.resyncRegistrations(ctx, reg.ActivityID, []string{reg.ID}, false); err != nil {
			return err
		}
		reg, err = e.store.GetRegistration(ctx, reg.ID)
		if err != nil {
			return err
		}
	}

	ec, err := e.contextFromRegistration(ctx, reg)
	if err != nil {
		return err
	}

	// An unregistration drained since this row was queued may turn a
	// former waitlist spot into an enrollment here; stale waitlisted
	// rows are re-queued by the reprocessing ledger, so evaluating
	// fresh from None is always safe.
	res, err := e.evaluate(ctx, ec, models.StatusNone, models.StatusEnrolled, false, counter.ModeNormal, ns)
	if err != nil {
		return err
	}
	rulesNotify(ctx, res.final, res.outcomes)

	log.Printf("level=info msg=\"register offline\" user=%s activity=%s status=%s tags=%q",
		reg.UserEmail, reg.ActivityID, statusName(res.final), res.affectingTags)

	reg.Confirmed = models.ConfirmProcessed
	reg.RuleTags = res.allTags
	reg.AffectingTags = res.affectingTags
	reg.AffectingConfigs = res.affectingConfigs

	if res.final == models.StatusNone {
		// Rules changed their mind since the online acceptance, for
		// example a manager denial or a directory outage resolving.
		reg.Status = models.StatusUnregistered
		e.notifyAndSync(ctx, &reg, nil, notify.KindEnrollRejected)
		if err := e.store.DeleteRegistration(ctx, reg.ID); err != nil {
			return err
		}
		return e.rulesNotifyOnline(ctx, ec, res.configs, models.StatusEnrolled, models.StatusNone)
	}

	reg.Status = res.final
	e.notifyAndSync(ctx, &reg, nil, "")
	return e.store.SaveRegistration(ctx, reg)
}

// registrationValid reports whether the row's selections still match
// the activity's current schedule set.
func registrationValid(reg models.Registration, schedules []models.Schedule) bool {
	if len(reg.ScheduleIDs) != len(schedules) {
		return false
	}
	byID := make(map[string]models.Schedule, len(schedules))
	for _, sc := range schedules {
		byID[sc.ID] = sc
	}
	for i, sid := range reg.ScheduleIDs {
		sc, ok := byID[sid]
		if !ok || !sc.HasAccessPoint(reg.AccessPointIDs[i]) {
			return false
		}
	}
	return true
}

// notifyAndSync pushes calendar updates and at most one notice per
// reached status. The LastNotified update may not be persisted by the
// caller; losing it only risks a duplicate notice, never a missing one.
func (e *Engine) notifyAndSync(ctx context.Context, reg *models.Registration, parent *models.Registration, kind notify.Kind) {
	if reg.Status == reg.LastNotified {
		return
	}

	activity, err := e.store.GetActivity(ctx, reg.ActivityID)
	if err != nil {
		log.Printf("level=error msg=\"notify activity load failed\" activity=%s err=%q", reg.ActivityID, err)
		return
	}

	if reg.Status == models.StatusEnrolled || reg.Status == models.StatusUnregistered {
		var schedules []models.Schedule
		for _, sid := range reg.ScheduleIDs {
			if sc, err := e.store.GetSchedule(ctx, sid); err == nil {
				schedules = append(schedules, sc)
			}
		}
		if reg.Status == models.StatusEnrolled {
			err = e.calendar.AddSchedules(ctx, reg.UserEmail, activity, schedules)
		} else {
			err = e.calendar.RemoveSchedules(ctx, reg.UserEmail, activity, schedules)
		}
		if err != nil {
			log.Printf("level=error msg=\"calendar sync failed\" user=%s activity=%s err=%q",
				reg.UserEmail, activity.ID, err)
		}
	}

	if reg.NotifyEmail {
		if reg.Status == models.StatusUnregistered && parent != nil && parent.LastNotified == models.StatusNone {
			// The enrollment was never announced; back-fill it so the
			// unregistration notice does not arrive out of nowhere.
			e.send(ctx, notify.Notice{
				Kind:         notify.KindEnrolled,
				To:           reg.UserEmail,
				UserEmail:    reg.UserEmail,
				ActivityName: activity.Name,
				ActivityID:   activity.ID,
			})
		}
		if kind == "" {
			kind = kindForStatus(reg.Status)
		}
		var reasons []string
		if reg.Status != models.StatusEnrolled {
			for _, cfg := range reg.AffectingConfigs {
				reasons = append(reasons, configDescription(cfg))
			}
		}
		e.send(ctx, notify.Notice{
			Kind:         kind,
			To:           reg.UserEmail,
			UserEmail:    reg.UserEmail,
			ActivityName: activity.Name,
			ActivityID:   activity.ID,
			Reasons:      reasons,
		})
	}

	reg.LastNotified = reg.Status
}

func (e *Engine) send(ctx context.Context, n notify.Notice) {
	if err := e.notifier.Send(ctx, n); err != nil {
		log.Printf("level=error msg=\"notification failed\" kind=%s to=%s err=%q", n.Kind, n.To, err)
	}
}

func kindForStatus(s models.Status) notify.Kind {
	switch s {
	case models.StatusEnrolled:
		return notify.KindEnrolled
	case models.StatusWaitlisted:
		return notify.KindWaitlisted
	default:
		return notify.KindUnregistered
	}
}

// SaveReprocessTags records rule tags whose waitlisted holders must be
// re-examined by the offline loop.
func (e *Engine) SaveReprocessTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return e.locks.WithLock(ctx, reprocessTagsKey, func(ctx context.Context) error {
		cur, _, err := e.store.GetConfig(ctx, reprocessTagsKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		merged := unionCSV(cur, tags)
		log.Printf("level=info msg=\"reprocess tags queued\" tags=%q", tags)
		return e.store.SetConfig(ctx, reprocessTagsKey, merged, nil)
	})
}

// readyWaitingRegistrations runs the two-phase reprocessing ledger.
// Phase one resolves queued tags to waitlisted PROCESSED rows; phase
// two flips those rows back to READY. Both phases checkpoint after
// every batch so a killed run resumes where it stopped.
func (e *Engine) readyWaitingRegistrations(ctx context.Context) (bool, error) {
	performed := false
	err := e.locks.WithLock(ctx, reprocessTagsKey, func(ctx context.Context) error {
		tagsVal, _, err := e.store.GetConfig(ctx, reprocessTagsKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tags := splitCSV(tagsVal)

		for len(tags) > 0 {
			bucket := tags[:min(reprocessQueryBatch, len(tags))]
			ids, err := e.store.ReprocessCandidatesByTags(ctx, bucket)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				cur, _, err := e.store.GetConfig(ctx, reprocessRegsKey)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				if err := e.store.SetConfig(ctx, reprocessRegsKey, unionCSV(cur, ids), nil); err != nil {
					return err
				}
			}
			tags = tags[len(bucket):]
			if err := e.store.SetConfig(ctx, reprocessTagsKey, strings.Join(tags, ","), nil); err != nil {
				return err
			}
			performed = true
		}

		regsVal, _, err := e.store.GetConfig(ctx, reprocessRegsKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		ids := splitCSV(regsVal)

		for len(ids) > 0 {
			bucket := ids[:min(reprocessWriteBatch, len(ids))]
			for _, id := range bucket {
				if err := e.makeWaitingReady(ctx, id); err != nil {
					return err
				}
			}
			ids = ids[len(bucket):]
			if err := e.store.SetConfig(ctx, reprocessRegsKey, strings.Join(ids, ","), nil); err != nil {
				return err
			}
			performed = true
		}
		return nil
	})
	return performed, err
}

func (e *Engine) makeWaitingReady(ctx context.Context, id string) error {
	reg, err := e.store.GetRegistration(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.locks.WithLock(ctx, registrationLockName(reg.UserEmail, reg.ActivityID), func(ctx context.Context) error {
		cur, err := e.store.GetRegistration(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status != models.StatusWaitlisted ||
			cur.Confirmed != models.ConfirmProcessed ||
			cur.Active != models.ActiveYes {
			return nil
		}
		cur.Confirmed = models.ConfirmReady
		if err := e.store.SaveRegistration(ctx, cur); err != nil {
			return err
		}
		log.Printf("level=info msg=\"waitlisted row re-queued\" user=%s activity=%s tags=%q",
			cur.UserEmail, cur.ActivityID, cur.AffectingTags)
		return nil
	})
}

// calendarSyncWork scans schedules in last-modified order and pushes
// their enrolled registrants' calendars, trailing edits by a lag so a
// burst of changes settles before it is synced.
func (e *Engine) calendarSyncWork() batch.Work {
	return batch.Work{
		Name:               "sync-schedules-with-calendar",
		BatchSize:          4,
		ResetOnCursorError: true,
		ResetOnCompletion:  true,
		Query: func(ctx context.Context, cursor string, limit int, side batch.SideData) ([]string, string, error) {
			since := parseSideTime(side["query_last_modified"])
			ids, err := e.store.ScheduleIDsModifiedSince(ctx, since, cursor, limit)
			if err != nil {
				return nil, "", err
			}
			next := cursor
			if len(ids) > 0 {
				next = ids[len(ids)-1]
			}
			return ids, next, nil
		},
		Process: func(ctx context.Context, items []string, side batch.SideData) (bool, error) {
			for _, id := range items {
				sc, err := e.store.GetSchedule(ctx, id)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return false, err
				}
				if time.Since(sc.LastModified) < scheduleSyncLag {
					return false, nil
				}
				if err := e.syncScheduleCalendars(ctx, sc); err != nil {
					return false, err
				}
				side["last_processed_time"] = sc.LastModified.UTC().Format(time.RFC3339Nano)
			}
			return true, nil
		},
		OnReset: func(side batch.SideData) {
			side["query_last_modified"] = side["last_processed_time"]
		},
	}
}

func (e *Engine) syncScheduleCalendars(ctx context.Context, sc models.Schedule) error {
	activity, err := e.store.GetActivity(ctx, sc.ActivityID)
	if err != nil {
		return err
	}
	regs, err := e.store.RegistrationsByActivity(ctx, sc.ActivityID)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if reg.Active != models.ActiveYes || reg.Status != models.StatusEnrolled {
			continue
		}
		if !containsString(reg.ScheduleIDs, sc.ID) {
			continue
		}
		if err := e.calendar.AddSchedules(ctx, reg.UserEmail, activity, []models.Schedule{sc}); err != nil {
			log.Printf("level=error msg=\"calendar sync failed\" user=%s schedule=%s err=%q",
				reg.UserEmail, sc.ID, err)
		}
	}
	return nil
}

func parseSideTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func unionCSV(cur string, add []string) string {
	set := map[string]bool{}
	for _, v := range splitCSV(cur) {
		set[v] = true
	}
	for _, v := range add {
		if v != "" {
			set[v] = true
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
