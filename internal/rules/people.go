package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"registrar/internal/counter"
	"registrar/internal/directory"
	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/store"
)

func init() {
	register(Descriptor{
		Name:          "employee_type_restriction",
		Description:   "Restricted by employee types.",
		CanBatch:      true,
		New:           newEmployeeTypeRestriction,
		ReprocessTags: noReprocessTags,
	})
	register(Descriptor{
		Name:        "manager_approval",
		Description: "Needs manager approval.",
		CanBatch:    true,
		New:         newManagerApproval,
		ReprocessTags: func(cfg models.RuleConfig, _ []string) []string {
			return []string{cfg.Key}
		},
	})
}

// employeeTypeRestriction allows enrollment only for listed employee
// types.
type employeeTypeRestriction struct {
	ctx     Context
	online  bool
	allowed map[models.EmployeeType]bool
	env     *Env
}

type employeeTypeParams struct {
	EmployeeTypes []models.EmployeeType `json:"employee_types"`
}

func newEmployeeTypeRestriction(p Params) (Rule, error) {
	var ep employeeTypeParams
	if err := json.Unmarshal(p.Config.Parameters, &ep); err != nil {
		return nil, fmt.Errorf("employee_type_restriction params: %w", err)
	}
	allowed := make(map[models.EmployeeType]bool, len(ep.EmployeeTypes))
	for _, t := range ep.EmployeeTypes {
		allowed[t] = true
	}
	return &employeeTypeRestriction{ctx: p.Ctx, online: p.Online, allowed: allowed, env: p.Env}, nil
}

func (r *employeeTypeRestriction) Evaluate(ctx context.Context, _, target models.Status) (Verdict, error) {
	if target != models.StatusEnrolled {
		return Verdict{Status: target}, nil
	}
	u, err := r.env.Directory.Lookup(ctx, r.ctx.UserEmail)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		// Unknown person is a definitive denial, not an outage.
		return Verdict{Status: models.StatusNone}, nil
	case err != nil:
		if r.online {
			log.Printf("level=error msg=\"directory lookup failed\" user=%s err=%q", r.ctx.UserEmail, err)
			return Verdict{Status: models.StatusWaitlisted}, nil
		}
		return Verdict{}, err
	}
	if r.allowed[u.EmployeeType] {
		return Verdict{Status: models.StatusEnrolled}, nil
	}
	return Verdict{Status: models.StatusNone}, nil
}

func (r *employeeTypeRestriction) ProcessOutcome(context.Context, models.Status, models.Status) {}

// managerApproval waitlists enrollments until the registrant's manager
// approves. A registration nominated by the manager is pre-approved.
type managerApproval struct {
	cfg    models.RuleConfig
	ctx    Context
	online bool
	mode   counter.Mode
	env    *Env

	needsWorkflow bool
}

func newManagerApproval(p Params) (Rule, error) {
	return &managerApproval{cfg: p.Config, ctx: p.Ctx, online: p.Online, mode: p.Mode, env: p.Env}, nil
}

// ApprovalID keys a persisted approval by rule config, activity and
// candidate; it doubles as the registration tag for reprocessing.
// The engine uses it to purge approvals when the pair's rows go away.
func ApprovalID(cfgKey, activityID, userEmail string) string {
	return fmt.Sprintf("%s_%s_%s", cfgKey, activityID, userEmail)
}

func (r *managerApproval) approvalID() string {
	return ApprovalID(r.cfg.Key, r.ctx.Activity.ID, r.ctx.UserEmail)
}

func (r *managerApproval) manager(ctx context.Context) (string, error) {
	u, err := r.env.Directory.Lookup(ctx, r.ctx.UserEmail)
	if err != nil {
		return "", err
	}
	if u.ManagerEmail == "" {
		return "", fmt.Errorf("%w: no manager for %s", directory.ErrNotFound, r.ctx.UserEmail)
	}
	return u.ManagerEmail, nil
}

// usableApproval loads the approval record, discarding a stale denial
// so the user can re-ask later with a fresh request.
func (r *managerApproval) usableApproval(ctx context.Context) (models.ManagerApproval, bool, error) {
	a, err := r.env.Store.GetApproval(ctx, r.approvalID())
	if errors.Is(err, store.ErrNotFound) {
		return models.ManagerApproval{}, false, nil
	}
	if err != nil {
		return models.ManagerApproval{}, false, err
	}
	age := r.ctx.QueueTime.Sub(a.QueueTime)
	if age < 0 {
		age = -age
	}
	if !a.Approved && age >= time.Second {
		return models.ManagerApproval{}, false, nil
	}
	return a, true, nil
}

func (r *managerApproval) Evaluate(ctx context.Context, _, target models.Status) (Verdict, error) {
	if r.mode == counter.ModePrediction {
		return Verdict{Status: target, Tags: []string{r.cfg.Key}}, nil
	}
	if target != models.StatusEnrolled {
		return Verdict{Status: target, Tags: []string{r.cfg.Key}}, nil
	}

	manager, err := r.manager(ctx)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return Verdict{Status: models.StatusNone, Tags: []string{r.cfg.Key}}, nil
	case err != nil:
		if !r.online {
			return Verdict{}, err
		}
		// Outage online: assume not pre-approved and continue into the
		// workflow rather than failing the request.
		manager = ""
	}
	if manager != "" && manager == r.ctx.CreatorEmail {
		// Manager is enrolling the person directly.
		return Verdict{Status: target, Tags: []string{r.cfg.Key}}, nil
	}

	tags := []string{r.cfg.Key, r.approvalID()}
	a, ok, err := r.usableApproval(ctx)
	if err != nil {
		return Verdict{}, err
	}
	switch {
	case !ok:
		r.needsWorkflow = true
		return Verdict{Status: models.StatusWaitlisted, Tags: tags}, nil
	case !a.ManagerDecision:
		return Verdict{Status: models.StatusWaitlisted, Tags: tags}, nil
	case !a.Approved:
		return Verdict{Status: models.StatusNone, Tags: tags}, nil
	}
	return Verdict{Status: target, Tags: tags}, nil
}

func (r *managerApproval) ProcessOutcome(ctx context.Context, evaluated, final models.Status) {
	if r.online {
		return
	}
	if final != models.StatusWaitlisted || !r.needsWorkflow {
		return
	}
	manager, err := r.manager(ctx)
	if err != nil {
		log.Printf("level=error msg=\"approval workflow start failed\" user=%s err=%q", r.ctx.UserEmail, err)
		return
	}
	a := models.ManagerApproval{
		ID:             r.approvalID(),
		CandidateEmail: r.ctx.UserEmail,
		ManagerEmail:   manager,
		ActivityID:     r.ctx.Activity.ID,
		ProgramID:      r.ctx.Program.ID,
		NominatorEmail: r.ctx.CreatorEmail,
		QueueTime:      r.ctx.QueueTime,
	}
	if err := r.env.Store.SaveApproval(ctx, a); err != nil {
		log.Printf("level=error msg=\"approval save failed\" id=%s err=%q", a.ID, err)
		return
	}
	err = r.env.Notifier.Send(ctx, notify.Notice{
		Kind:         notify.KindApprovalRequest,
		To:           manager,
		UserEmail:    r.ctx.UserEmail,
		ActivityName: r.ctx.Activity.Name,
		ActivityID:   r.ctx.Activity.ID,
	})
	if err != nil {
		log.Printf("level=error msg=\"approval notice failed\" to=%s err=%q", manager, err)
	}
}
