package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"registrar/internal/db"
	"registrar/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrationFile(d, "../../migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(d)
}

func newReg(id, user string, status models.Status, confirmed models.Confirm, active models.Active, queued time.Time) models.Registration {
	return models.Registration{
		ID:             id,
		UserEmail:      user,
		CreatorEmail:   user,
		ProgramID:      "prog-1",
		ActivityID:     "act-1",
		ScheduleIDs:    []string{"sch-1"},
		AccessPointIDs: []string{"ap-1"},
		QueueTime:      queued,
		Status:         status,
		Confirmed:      confirmed,
		Active:         active,
		NotifyEmail:    true,
	}
}

func TestRegistrationRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r := newReg("reg-1", "ann@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveYes, now)
	r.AffectingTags = []string{"max_people_activity,act-1", "_engine_tag_act-1"}
	if err := s.SaveRegistration(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRegistration(ctx, "reg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserEmail != r.UserEmail || got.Status != r.Status || got.Confirmed != r.Confirmed {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.AffectingTags) != 2 || got.AffectingTags[0] != r.AffectingTags[0] {
		t.Fatalf("tags mismatch: %v", got.AffectingTags)
	}

	if _, err := s.GetRegistration(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing registration: err=%v, want ErrNotFound", err)
	}

	active, err := s.ActiveRegistration(ctx, "ann@example.com", "act-1")
	if err != nil || active.ID != "reg-1" {
		t.Fatalf("active lookup: %+v err=%v", active, err)
	}

	if err := s.DeleteRegistration(ctx, "reg-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ActiveRegistration(ctx, "ann@example.com", "act-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: err=%v, want ErrNotFound", err)
	}
}

func TestNextReadyOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Same queue time for bob and ann; ann wins on email order.
	for _, r := range []models.Registration{
		newReg("reg-c", "cid@example.com", models.StatusEnrolled, models.ConfirmReady, models.ActiveYes, base.Add(time.Hour)),
		newReg("reg-b", "bob@example.com", models.StatusEnrolled, models.ConfirmReady, models.ActiveYes, base),
		newReg("reg-a", "ann@example.com", models.StatusEnrolled, models.ConfirmReady, models.ActiveYes, base),
		newReg("reg-n", "dee@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo, base.Add(-time.Hour)),
	} {
		if err := s.SaveRegistration(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	next, err := s.NextReady(ctx, models.StatusEnrolled)
	if err != nil {
		t.Fatalf("next ready: %v", err)
	}
	if next.ID != "reg-a" {
		t.Fatalf("next=%s, want reg-a", next.ID)
	}

	if _, err := s.NextReady(ctx, models.StatusUnregistered); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no unregistered ready rows: err=%v, want ErrNotFound", err)
	}
}

func TestAccountableRegistrations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []models.Registration{
		// Counts online and offline.
		newReg("reg-1", "u1@example.com", models.StatusEnrolled, models.ConfirmProcessed, models.ActiveYes, now),
		// Counts online only (optimistic write before evaluation).
		newReg("reg-2", "u2@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo, now),
		// Counts online only (unregister in flight still holds the slot).
		newReg("reg-3", "u3@example.com", models.StatusUnregistered, models.ConfirmReady, models.ActiveNo, now),
		// Waitlisted active row counts online only.
		newReg("reg-4", "u4@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes, now),
	}
	for _, r := range rows {
		if err := s.SaveRegistration(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	online, err := s.AccountableRegistrations(ctx, "act-1", false)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(online) != 4 {
		t.Fatalf("online count=%d, want 4", len(online))
	}

	offline, err := s.AccountableRegistrations(ctx, "act-1", true)
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if len(offline) != 1 || offline[0].ID != "reg-1" {
		t.Fatalf("offline=%v, want only reg-1", offline)
	}
}

func TestReprocessCandidatesByTags(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tagged := func(id, user string, status models.Status, confirmed models.Confirm, active models.Active, tags ...string) models.Registration {
		r := newReg(id, user, status, confirmed, active, now)
		r.AffectingTags = tags
		return r
	}
	for _, r := range []models.Registration{
		tagged("reg-0", "u0@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes, "cap-tag"),
		tagged("reg-1", "u1@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes, "cap-tag", "other-tag"),
		// Not processed yet; the offline loop will get to it anyway.
		tagged("reg-2", "u2@example.com", models.StatusWaitlisted, models.ConfirmReady, models.ActiveYes, "cap-tag"),
		// Enrolled rows are never reprocessed.
		tagged("reg-3", "u3@example.com", models.StatusEnrolled, models.ConfirmProcessed, models.ActiveYes, "cap-tag"),
		// Inactive waitlist row is dead.
		tagged("reg-4", "u4@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveNo, "cap-tag"),
		tagged("reg-5", "u5@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes, "unrelated"),
	} {
		if err := s.SaveRegistration(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	ids, err := s.ReprocessCandidatesByTags(ctx, []string{"cap-tag", "missing-tag"})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(ids) != 2 || ids[0] != "reg-0" || ids[1] != "reg-1" {
		t.Fatalf("ids=%v, want [reg-0 reg-1]", ids)
	}

	ids, err = s.ReprocessCandidatesByTags(ctx, nil)
	if err != nil || ids != nil {
		t.Fatalf("empty tags: ids=%v err=%v", ids, err)
	}
}

func TestWaitlistedRegistrationsOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, user := range []string{"first@example.com", "second@example.com", "third@example.com"} {
		r := newReg(fmt.Sprintf("reg-%d", i), user, models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes, base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveRegistration(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// Inactive rows stay out of the waitlist.
	gone := newReg("reg-gone", "gone@example.com", models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveNo, base)
	if err := s.SaveRegistration(ctx, gone); err != nil {
		t.Fatalf("save: %v", err)
	}

	regs, err := s.WaitlistedRegistrations(ctx, "act-1")
	if err != nil {
		t.Fatalf("waitlisted: %v", err)
	}
	if len(regs) != 3 || regs[0].UserEmail != "first@example.com" || regs[2].UserEmail != "third@example.com" {
		t.Fatalf("regs=%v", regs)
	}
}

func TestConfigRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "reprocess:max_people_activity,act-1", "", []byte(`["reg-1"]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig(ctx, "reprocess:other", "v", nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, binary, err := s.GetConfig(ctx, "reprocess:max_people_activity,act-1")
	if err != nil || string(binary) != `["reg-1"]` {
		t.Fatalf("get: binary=%q err=%v", binary, err)
	}

	if err := s.DeleteConfig(ctx, "reprocess:other"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.GetConfig(ctx, "reprocess:other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: err=%v, want ErrNotFound", err)
	}
}

func TestHierarchyRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	p := models.Program{ID: "prog-1", Name: "Training", Visible: true, CreatedAt: now}
	if err := s.SaveProgram(ctx, p); err != nil {
		t.Fatalf("save program: %v", err)
	}
	a := models.Activity{ID: "act-1", ProgramID: "prog-1", Name: "Go 101",
		StartTime: now, EndTime: now.Add(time.Hour), Visible: true, CreatedAt: now,
		Rules: []models.RuleConfig{{Name: "max_people_activity", Parameters: []byte(`{"max_people":10}`), Key: "k1"}}}
	if err := s.SaveActivity(ctx, a); err != nil {
		t.Fatalf("save activity: %v", err)
	}
	sc := models.Schedule{ID: "sch-1", ActivityID: "act-1", StartTime: now,
		EndTime: now.Add(time.Hour), AccessPointIDs: []string{"ap-1"}}
	if err := s.SaveSchedule(ctx, sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	ap := models.AccessPoint{ID: "ap-1", Type: "room", URI: "bldg40/room1", Tags: []string{"MTV"}}
	if err := s.SaveAccessPoint(ctx, ap); err != nil {
		t.Fatalf("save access point: %v", err)
	}

	gotA, err := s.GetActivity(ctx, "act-1")
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if len(gotA.Rules) != 1 || gotA.Rules[0].Name != "max_people_activity" {
		t.Fatalf("activity rules=%v", gotA.Rules)
	}

	acts, err := s.ActivitiesByProgram(ctx, "prog-1")
	if err != nil || len(acts) != 1 {
		t.Fatalf("activities by program: %v err=%v", acts, err)
	}
	schs, err := s.SchedulesByActivity(ctx, "act-1")
	if err != nil || len(schs) != 1 || !schs[0].HasAccessPoint("ap-1") {
		t.Fatalf("schedules by activity: %v err=%v", schs, err)
	}
}

func TestScheduleIDsModifiedSince(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"sch-a", "sch-b", "sch-c"} {
		sc := models.Schedule{ID: id, ActivityID: "act-1", StartTime: now, EndTime: now.Add(time.Hour)}
		if err := s.SaveSchedule(ctx, sc); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	ids, err := s.ScheduleIDsModifiedSince(ctx, now.Add(-time.Minute), "", 2)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sch-a" || ids[1] != "sch-b" {
		t.Fatalf("page1=%v", ids)
	}
	ids, err = s.ScheduleIDsModifiedSince(ctx, now.Add(-time.Minute), ids[1], 2)
	if err != nil || len(ids) != 1 || ids[0] != "sch-c" {
		t.Fatalf("page2=%v err=%v", ids, err)
	}

	// A future watermark filters everything out.
	ids, err = s.ScheduleIDsModifiedSince(ctx, now.Add(time.Hour), "", 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("future watermark: ids=%v err=%v", ids, err)
	}
}
