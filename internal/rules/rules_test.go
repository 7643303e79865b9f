package rules

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"registrar/internal/cache"
	"registrar/internal/counter"
	"registrar/internal/db"
	"registrar/internal/directory"
	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/store"
)

func testEnv(t *testing.T) (*Env, *notify.Recorder) {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrationFile(d, "../../migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &notify.Recorder{}
	env := &Env{
		Store: store.New(d),
		Cache: cache.NewMemory(),
		Directory: &directory.Static{Users: map[string]directory.UserInfo{
			"ann@example.com": {Email: "ann@example.com", EmployeeType: models.EmployeeRegular, ManagerEmail: "boss@example.com"},
			"vic@example.com": {Email: "vic@example.com", EmployeeType: models.EmployeeVendor, ManagerEmail: "boss@example.com"},
		}},
		Notifier: rec,
		Retries:  1,
	}
	return env, rec
}

func testContext(user string, queue time.Time) Context {
	start := queue.Add(24 * time.Hour)
	return Context{
		UserEmail:      user,
		CreatorEmail:   user,
		Program:        models.Program{ID: "prog-1", Name: "Training"},
		Activity:       models.Activity{ID: "act-1", Name: "Go 101", StartTime: start, EndTime: start.Add(time.Hour)},
		Schedules:      []models.Schedule{{ID: "sch-1", ActivityID: "act-1", StartTime: start, EndTime: start.Add(time.Hour), AccessPointIDs: []string{"ap-1"}}},
		AccessPointIDs: []string{"ap-1"},
		QueueTime:      queue,
		NotifyEmail:    true,
	}
}

func mustRule(t *testing.T, name string, params string, p Params) Rule {
	t.Helper()
	d, ok := Lookup(name)
	if !ok {
		t.Fatalf("rule %s not registered", name)
	}
	p.Config = models.RuleConfig{Name: name, Parameters: json.RawMessage(params), Key: "cfg-" + name}
	r, err := d.New(p)
	if err != nil {
		t.Fatalf("instantiate %s: %v", name, err)
	}
	return r
}

func saveReg(t *testing.T, env *Env, id, user string, status models.Status, confirmed models.Confirm, active models.Active) {
	t.Helper()
	err := env.Store.SaveRegistration(context.Background(), models.Registration{
		ID: id, UserEmail: user, CreatorEmail: user,
		ProgramID: "prog-1", ActivityID: "act-1",
		ScheduleIDs: []string{"sch-1"}, AccessPointIDs: []string{"ap-1"},
		QueueTime: time.Now().UTC(), Status: status, Confirmed: confirmed, Active: active,
	})
	if err != nil {
		t.Fatalf("save registration %s: %v", id, err)
	}
}

func TestMaxPeopleActivityWaitlistsWhenFull(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// One seat, already held; the caller's provisional row is persisted
	// before evaluation, as the online path guarantees.
	saveReg(t, env, "reg-held", "ann@example.com", models.StatusEnrolled, models.ConfirmProcessed, models.ActiveYes)
	saveReg(t, env, "reg-self", "bob@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo)

	r := mustRule(t, "max_people_activity", `{"max_people":1}`,
		Params{Ctx: testContext("bob@example.com", now), Online: true, Env: env})

	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Status != models.StatusWaitlisted {
		t.Fatalf("status=%s, want waitlisted", v.Status)
	}
	if !v.HasRemaining || v.ResourceRemaining != -1 {
		t.Fatalf("remaining=%d, want -1 (first on waitlist)", v.ResourceRemaining)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "cfg-max_people_activity_" {
		t.Fatalf("tags=%v", v.Tags)
	}
}

func TestMaxPeopleActivityEnrollsUnderCapacity(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveReg(t, env, "reg-self", "bob@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo)

	r := mustRule(t, "max_people_activity", `{"max_people":3}`,
		Params{Ctx: testContext("bob@example.com", now), Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("v=%+v err=%v, want enrolled", v, err)
	}
	if v.ResourceRemaining != 2 {
		t.Fatalf("remaining=%d, want 2", v.ResourceRemaining)
	}
}

func TestMaxPeopleOnlineDenialRollsBackReservation(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveReg(t, env, "reg-self", "bob@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo)
	p := Params{Ctx: testContext("bob@example.com", now), Online: true, Env: env}
	r := mustRule(t, "max_people_activity", `{"max_people":3}`, p)

	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("evaluate: %+v err=%v", v, err)
	}

	// Another rule denied the whole transition; the reservation must be
	// handed back.
	r.ProcessOutcome(ctx, v.Status, models.StatusNone)

	p.Config = models.RuleConfig{Name: "max_people_activity", Parameters: json.RawMessage(`{"max_people":3}`), Key: "cfg-max_people_activity"}
	got, err := env.Cache.Get(p.Namespace(), "_")
	if err != nil || got != 0 {
		t.Fatalf("counter after rollback=%d err=%v, want 0", got, err)
	}
}

func TestMaxPeopleOfflineWaitlistReleasesImmediately(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Offline accounting counts only processed enrollments.
	saveReg(t, env, "reg-held", "ann@example.com", models.StatusEnrolled, models.ConfirmProcessed, models.ActiveYes)

	p := Params{Ctx: testContext("bob@example.com", now), Online: false, Env: env}
	r := mustRule(t, "max_people_activity", `{"max_people":1}`, p)

	v, err := r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusWaitlisted {
		t.Fatalf("v=%+v err=%v, want waitlisted", v, err)
	}

	p.Config = models.RuleConfig{Name: "max_people_activity", Parameters: json.RawMessage(`{"max_people":1}`), Key: "cfg-max_people_activity"}
	got, err := env.Cache.Get(p.Namespace(), "_")
	if err != nil || got != 1 {
		t.Fatalf("counter=%d err=%v, want 1 (offline decrements on waitlist)", got, err)
	}
}

func TestMaxPeopleAccessPointIgnoresOtherAccessPoints(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r := mustRule(t, "max_people_access_point", `{"max_people":1,"access_points":["ap-9"]}`,
		Params{Ctx: testContext("bob@example.com", now), Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled || len(v.Tags) != 0 {
		t.Fatalf("v=%+v err=%v, want pass-through", v, err)
	}
}

func TestMaxPeopleAccessPointCountsPerSchedule(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveReg(t, env, "reg-held", "ann@example.com", models.StatusEnrolled, models.ConfirmProcessed, models.ActiveYes)
	saveReg(t, env, "reg-self", "bob@example.com", models.StatusEnrolled, models.ConfirmNotReady, models.ActiveNo)

	r := mustRule(t, "max_people_access_point", `{"max_people":1,"access_points":["ap-1"]}`,
		Params{Ctx: testContext("bob@example.com", now), Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusWaitlisted {
		t.Fatalf("v=%+v err=%v, want waitlisted", v, err)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "cfg-max_people_access_point"+"sch-1" {
		t.Fatalf("tags=%v", v.Tags)
	}
}

func TestTimeFrameRegistration(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	open := now.Add(-time.Hour).Unix()
	close := now.Add(time.Hour).Unix()

	cases := []struct {
		name    string
		queue   time.Time
		initial models.Status
		want    models.Status
	}{
		{"inside window", now, models.StatusNone, models.StatusEnrolled},
		{"before window denies fresh request", now.Add(-2 * time.Hour), models.StatusNone, models.StatusNone},
		{"before window holds waitlisted", now.Add(-2 * time.Hour), models.StatusWaitlisted, models.StatusWaitlisted},
		{"after window", now.Add(2 * time.Hour), models.StatusNone, models.StatusNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := mustRule(t, "time_frame_registration",
				`{"start_time":`+itoa(open)+`,"end_time":`+itoa(close)+`}`,
				Params{Ctx: testContext("ann@example.com", tc.queue), Online: true, Env: env})
			v, err := r.Evaluate(ctx, tc.initial, models.StatusEnrolled)
			if err != nil || v.Status != tc.want {
				t.Fatalf("v=%+v err=%v, want %q", v, err, tc.want)
			}
		})
	}
}

func TestTimeCancelDeadline(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Activity starts in 24h; deadline is 12h before start.
	early := Params{Ctx: testContext("ann@example.com", now), Online: true, Env: env}
	r := mustRule(t, "time_cancel", `{"time_to_activity":43200}`, early)
	v, err := r.Evaluate(ctx, models.StatusEnrolled, models.StatusUnregistered)
	if err != nil || v.Status != models.StatusUnregistered {
		t.Fatalf("before deadline: v=%+v err=%v", v, err)
	}

	late := Params{Ctx: testContext("ann@example.com", now.Add(20*time.Hour)), Online: true, Env: env}
	late.Ctx.Activity.StartTime = now.Add(24 * time.Hour)
	r = mustRule(t, "time_cancel", `{"time_to_activity":43200}`, late)
	v, err = r.Evaluate(ctx, models.StatusEnrolled, models.StatusUnregistered)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("after deadline: v=%+v err=%v, want enrolled kept", v, err)
	}
}

func TestLockPastActivity(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := testContext("ann@example.com", now)
	past.Activity.StartTime = now.Add(-time.Hour)

	r := mustRule(t, "lock_past_activity", `{}`, Params{Ctx: past, Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusNone {
		t.Fatalf("online past: v=%+v err=%v, want frozen", v, err)
	}

	// Offline keeps draining in-flight work.
	r = mustRule(t, "lock_past_activity", `{}`, Params{Ctx: past, Online: false, Env: env})
	v, err = r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("offline past: v=%+v err=%v, want pass", v, err)
	}
}

func TestEmployeeTypeRestriction(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	params := `{"employee_types":["employee","intern"]}`

	r := mustRule(t, "employee_type_restriction", params,
		Params{Ctx: testContext("ann@example.com", now), Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("allowed type: v=%+v err=%v", v, err)
	}

	r = mustRule(t, "employee_type_restriction", params,
		Params{Ctx: testContext("vic@example.com", now), Online: true, Env: env})
	v, err = r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusNone {
		t.Fatalf("vendor: v=%+v err=%v, want denial", v, err)
	}

	r = mustRule(t, "employee_type_restriction", params,
		Params{Ctx: testContext("ghost@example.com", now), Online: true, Env: env})
	v, err = r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusNone {
		t.Fatalf("unknown user: v=%+v err=%v, want denial", v, err)
	}
}

func TestEmployeeTypeRestrictionOutage(t *testing.T) {
	env, _ := testEnv(t)
	env.Directory = failingDirectory{}
	ctx := context.Background()
	now := time.Now().UTC()
	params := `{"employee_types":["employee"]}`

	r := mustRule(t, "employee_type_restriction", params,
		Params{Ctx: testContext("ann@example.com", now), Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusWaitlisted {
		t.Fatalf("online outage: v=%+v err=%v, want waitlisted", v, err)
	}

	r = mustRule(t, "employee_type_restriction", params,
		Params{Ctx: testContext("ann@example.com", now), Online: false, Env: env})
	if _, err := r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled); !errors.Is(err, directory.ErrUnavailable) {
		t.Fatalf("offline outage: err=%v, want ErrUnavailable", err)
	}
}

func TestManagerApprovalWorkflow(t *testing.T) {
	env, rec := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := Params{Ctx: testContext("ann@example.com", now), Online: false, Env: env}
	r := mustRule(t, "manager_approval", `{}`, p)

	// First pass: no approval on file, so waitlist and start workflow.
	v, err := r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusWaitlisted {
		t.Fatalf("first pass: v=%+v err=%v", v, err)
	}
	r.ProcessOutcome(ctx, v.Status, models.StatusWaitlisted)

	if len(rec.Notices) != 1 || rec.Notices[0].Kind != notify.KindApprovalRequest || rec.Notices[0].To != "boss@example.com" {
		t.Fatalf("notices=%+v, want one approval request to the manager", rec.Notices)
	}
	id := "cfg-manager_approval_act-1_ann@example.com"
	a, err := env.Store.GetApproval(ctx, id)
	if err != nil {
		t.Fatalf("approval record: %v", err)
	}

	// Manager approves; re-evaluation with the same queue time enrolls.
	a.ManagerDecision = true
	a.Approved = true
	if err := env.Store.SaveApproval(ctx, a); err != nil {
		t.Fatalf("save approval: %v", err)
	}
	r = mustRule(t, "manager_approval", `{}`, p)
	v, err = r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("after approval: v=%+v err=%v", v, err)
	}
}

func TestManagerApprovalDenied(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := "cfg-manager_approval_act-1_ann@example.com"
	err := env.Store.SaveApproval(ctx, models.ManagerApproval{
		ID: id, CandidateEmail: "ann@example.com", ManagerEmail: "boss@example.com",
		ActivityID: "act-1", ProgramID: "prog-1", NominatorEmail: "ann@example.com",
		QueueTime: now, ManagerDecision: true, Approved: false,
	})
	if err != nil {
		t.Fatalf("seed approval: %v", err)
	}

	p := Params{Ctx: testContext("ann@example.com", now), Online: false, Env: env}
	r := mustRule(t, "manager_approval", `{}`, p)
	v, err := r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusNone {
		t.Fatalf("denied: v=%+v err=%v, want full denial", v, err)
	}

	// A fresh request later ignores the stale denial and re-asks.
	p2 := Params{Ctx: testContext("ann@example.com", now.Add(time.Minute)), Online: false, Env: env}
	r = mustRule(t, "manager_approval", `{}`, p2)
	v, err = r.Evaluate(ctx, models.StatusWaitlisted, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusWaitlisted {
		t.Fatalf("re-ask: v=%+v err=%v, want waitlisted again", v, err)
	}
}

func TestManagerApprovalPreApproved(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testContext("ann@example.com", now)
	c.CreatorEmail = "boss@example.com"
	r := mustRule(t, "manager_approval", `{}`, Params{Ctx: c, Online: true, Env: env})
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("manager-nominated: v=%+v err=%v, want enrolled", v, err)
	}
}

func TestPredictionSkipsApprovalWorkflow(t *testing.T) {
	env, rec := testEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := Params{Ctx: testContext("ann@example.com", now), Online: true, Mode: counter.ModePrediction, Env: env}
	r := mustRule(t, "manager_approval", `{}`, p)
	v, err := r.Evaluate(ctx, models.StatusNone, models.StatusEnrolled)
	if err != nil || v.Status != models.StatusEnrolled {
		t.Fatalf("prediction: v=%+v err=%v", v, err)
	}
	r.ProcessOutcome(ctx, v.Status, models.StatusEnrolled)
	if len(rec.Notices) != 0 {
		t.Fatalf("prediction sent notices: %+v", rec.Notices)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (directory.UserInfo, error) {
	return directory.UserInfo{}, directory.ErrUnavailable
}
