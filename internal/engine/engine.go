// Package engine coordinates rule evaluation for registration status
// changes. The online path answers user requests immediately with
// optimistic cache-backed decisions; the offline loop later confirms
// each registration against authoritative store counts, one entry at a
// time under a serializing lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"registrar/internal/cache"
	"registrar/internal/calendar"
	"registrar/internal/counter"
	"registrar/internal/directory"
	"registrar/internal/lock"
	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/rules"
	"registrar/internal/store"
)

var (
	// ErrBadTransition flags an illegal status change, requested either
	// by a caller or produced by a misbehaving rule.
	ErrBadTransition = errors.New("engine: bad status transition")

	// ErrUnknownRule means a stored config names a rule type that is
	// not registered.
	ErrUnknownRule = errors.New("engine: unknown rule")

	// ErrInvalidSelection means the request's schedule or access-point
	// choices do not belong to the activity.
	ErrInvalidSelection = errors.New("engine: invalid schedule or access point selection")
)

type Engine struct {
	store    *store.Store
	cache    cache.Cache
	locks    *lock.Manager
	notifier notify.Sender
	calendar calendar.Syncer
	env      *rules.Env
}

func New(st *store.Store, c cache.Cache, locks *lock.Manager, dir directory.Service, n notify.Sender, cal calendar.Syncer, counterRetries int) *Engine {
	return &Engine{
		store:    st,
		cache:    c,
		locks:    locks,
		notifier: n,
		calendar: cal,
		env: &rules.Env{
			Store:     st,
			Cache:     c,
			Directory: dir,
			Notifier:  n,
			Retries:   counterRetries,
		},
	}
}

// entityTag marks every registration under a program or activity so
// rule additions on that owner can reprocess its whole scope.
func entityTag(ownerID string) string {
	return "_engine_tag_" + ownerID
}

func configDescription(cfg models.RuleConfig) string {
	if cfg.Description != "" {
		return cfg.Description
	}
	if d, ok := rules.Lookup(cfg.Name); ok {
		return d.Description
	}
	return cfg.Name
}

// outcome pairs one instantiated rule with its verdict so the notify
// pass can tell each rule what the collective decision was.
type outcome struct {
	config  models.RuleConfig
	rule    rules.Rule
	verdict rules.Verdict
}

type evalResult struct {
	final    models.Status
	outcomes []outcome

	// configs holds every evaluated config, deduplicated, in rule
	// order. The offline loop re-instantiates these in online mode to
	// release online reservations.
	configs []models.RuleConfig

	allTags          []string
	affectingTags    []string
	affectingConfigs []models.RuleConfig
}

func (r evalResult) reasons() []string {
	out := make([]string, 0, len(r.affectingConfigs))
	for _, cfg := range r.affectingConfigs {
		out = append(out, configDescription(cfg))
	}
	return out
}

// ownerConfigs enumerates the rule configs that apply to an
// evaluation: the program's, then the activity's, then those of each
// distinct chosen access point.
func (e *Engine) ownerConfigs(ctx context.Context, ec rules.Context) ([]models.RuleConfig, error) {
	var out []models.RuleConfig
	out = append(out, ec.Program.Rules...)
	out = append(out, ec.Activity.Rules...)
	seen := map[string]bool{}
	for _, apID := range ec.AccessPointIDs {
		if seen[apID] {
			continue
		}
		seen[apID] = true
		ap, err := e.store.GetAccessPoint(ctx, apID)
		if err != nil {
			return nil, fmt.Errorf("access point rules: %w", err)
		}
		out = append(out, ap.Rules...)
	}
	return out, nil
}

// instances builds the rule objects for one config. Rules that cannot
// batch are fanned out, one instance per schedule/access-point pair.
func (e *Engine) instances(ec rules.Context, cfg models.RuleConfig, online bool, mode counter.Mode, nsPrefix string) ([]rules.Rule, error) {
	d, ok := rules.Lookup(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, cfg.Name)
	}
	base := rules.Params{
		Config:          cfg,
		Ctx:             ec,
		Online:          online,
		Mode:            mode,
		NamespacePrefix: nsPrefix,
		Env:             e.env,
	}
	if d.CanBatch {
		r, err := d.New(base)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", cfg.Name, err)
		}
		return []rules.Rule{r}, nil
	}
	out := make([]rules.Rule, 0, len(ec.Schedules))
	for i := range ec.Schedules {
		p := base
		p.Ctx = ec.Pair(i)
		r, err := d.New(p)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", cfg.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// evaluate runs every applicable rule for the requested transition and
// combines the verdicts.
//
// Each verdict must itself be a legal transition from initial. The
// combined result is the highest-precedence verdict; a rule answering
// with the highest-precedence status of all short-circuits the run
// unless the context forces the target, in which case every rule runs
// and the forced target wins regardless.
func (e *Engine) evaluate(ctx context.Context, ec rules.Context, initial, target models.Status, online bool, mode counter.Mode, nsPrefix string) (evalResult, error) {
	if !models.ValidTransition(initial, target) {
		return evalResult{}, fmt.Errorf("%w: %s to %s", ErrBadTransition, statusName(initial), statusName(target))
	}

	order := models.Transitions[initial]
	stop := order[len(order)-1]
	priority := make(map[models.Status]int, len(order))
	for i, s := range order {
		priority[s] = i
	}

	cfgs, err := e.ownerConfigs(ctx, ec)
	if err != nil {
		return evalResult{}, err
	}

	var outcomes []outcome
loop:
	for _, cfg := range cfgs {
		insts, err := e.instances(ec, cfg, online, mode, nsPrefix)
		if err != nil {
			return evalResult{}, err
		}
		for _, r := range insts {
			v, err := r.Evaluate(ctx, initial, target)
			if err != nil {
				return evalResult{}, fmt.Errorf("evaluate %s: %w", cfg.Name, err)
			}
			if !models.ValidTransition(initial, v.Status) {
				return evalResult{}, fmt.Errorf("%w: rule %s answered %s for initial %s",
					ErrBadTransition, cfg.Name, statusName(v.Status), statusName(initial))
			}
			outcomes = append(outcomes, outcome{config: cfg, rule: r, verdict: v})
			if v.Status == stop && !ec.Force {
				break loop
			}
		}
	}

	final := target
	if len(outcomes) > 0 {
		final = outcomes[0].verdict.Status
		for _, o := range outcomes[1:] {
			if priority[o.verdict.Status] > priority[final] {
				final = o.verdict.Status
			}
		}
	}

	res := evalResult{final: final, outcomes: outcomes}

	allTags := map[string]bool{}
	affTags := map[string]bool{}
	seenCfg := map[string]bool{}
	seenAff := map[string]bool{}
	for _, o := range outcomes {
		if !seenCfg[o.config.Key] {
			seenCfg[o.config.Key] = true
			res.configs = append(res.configs, o.config)
		}
		for _, t := range o.verdict.Tags {
			allTags[t] = true
		}
		if o.verdict.Status == final {
			for _, t := range o.verdict.Tags {
				affTags[t] = true
			}
			if !seenAff[o.config.Key] {
				seenAff[o.config.Key] = true
				res.affectingConfigs = append(res.affectingConfigs, o.config)
			}
		}
	}

	for _, tag := range []string{entityTag(ec.Program.ID), entityTag(ec.Activity.ID)} {
		allTags[tag] = true
		affTags[tag] = true
	}

	if ec.Force {
		// A forced transition counts every rule as agreeing with it.
		res.final = target
		res.affectingConfigs = res.configs
		affTags = allTags
	}

	res.allTags = sortedKeys(allTags)
	res.affectingTags = sortedKeys(affTags)
	return res, nil
}

// rulesNotify tells each evaluated rule the collective final status so
// speculative reservations are committed or rolled back.
func rulesNotify(ctx context.Context, final models.Status, outcomes []outcome) {
	for _, o := range outcomes {
		o.rule.ProcessOutcome(ctx, o.verdict.Status, final)
	}
}

// rulesNotifyOnline re-instantiates the given configs in online mode
// and replays a final decision against them. The offline loop uses it
// to release online-held resources, both when an unregistration drains
// and when it overturns an online acceptance.
func (e *Engine) rulesNotifyOnline(ctx context.Context, ec rules.Context, cfgs []models.RuleConfig, evaluated, final models.Status) error {
	for _, cfg := range cfgs {
		insts, err := e.instances(ec, cfg, true, counter.ModeNormal, "")
		if err != nil {
			return err
		}
		for _, r := range insts {
			r.ProcessOutcome(ctx, evaluated, final)
		}
	}
	return nil
}

// contextFromRequest loads the hierarchy for a fresh request and
// validates the schedule and access-point selections against it.
func (e *Engine) contextFromRequest(ctx context.Context, req Request) (rules.Context, error) {
	if len(req.ScheduleIDs) != len(req.AccessPointIDs) {
		return rules.Context{}, fmt.Errorf("%w: %d schedules, %d access points",
			ErrInvalidSelection, len(req.ScheduleIDs), len(req.AccessPointIDs))
	}
	activity, err := e.store.GetActivity(ctx, req.ActivityID)
	if err != nil {
		return rules.Context{}, err
	}
	program, err := e.store.GetProgram(ctx, activity.ProgramID)
	if err != nil {
		return rules.Context{}, err
	}
	ec := rules.Context{
		UserEmail:      req.UserEmail,
		CreatorEmail:   req.CreatorEmail,
		Program:        program,
		Activity:       activity,
		AccessPointIDs: req.AccessPointIDs,
		QueueTime:      req.QueueTime,
		Force:          req.Force,
		NotifyEmail:    req.Notify,
	}
	if ec.CreatorEmail == "" {
		ec.CreatorEmail = req.UserEmail
	}
	for i, sid := range req.ScheduleIDs {
		sc, err := e.store.GetSchedule(ctx, sid)
		if err != nil {
			return rules.Context{}, err
		}
		if sc.ActivityID != activity.ID {
			return rules.Context{}, fmt.Errorf("%w: schedule %s is not part of activity %s",
				ErrInvalidSelection, sid, activity.ID)
		}
		if !sc.HasAccessPoint(req.AccessPointIDs[i]) {
			return rules.Context{}, fmt.Errorf("%w: access point %s not offered by schedule %s",
				ErrInvalidSelection, req.AccessPointIDs[i], sid)
		}
		ec.Schedules = append(ec.Schedules, sc)
	}
	return ec, nil
}

// contextFromRegistration rebuilds the evaluation context for a stored
// row. Stale selections are tolerated here; the offline loop resyncs
// them before confirming.
func (e *Engine) contextFromRegistration(ctx context.Context, reg models.Registration) (rules.Context, error) {
	activity, err := e.store.GetActivity(ctx, reg.ActivityID)
	if err != nil {
		return rules.Context{}, err
	}
	program, err := e.store.GetProgram(ctx, reg.ProgramID)
	if err != nil {
		return rules.Context{}, err
	}
	ec := rules.Context{
		UserEmail:      reg.UserEmail,
		CreatorEmail:   reg.CreatorEmail,
		Program:        program,
		Activity:       activity,
		AccessPointIDs: reg.AccessPointIDs,
		QueueTime:      reg.QueueTime,
		Force:          reg.ForceStatus,
		NotifyEmail:    reg.NotifyEmail,
	}
	for _, sid := range reg.ScheduleIDs {
		sc, err := e.store.GetSchedule(ctx, sid)
		if err != nil {
			return rules.Context{}, err
		}
		ec.Schedules = append(ec.Schedules, sc)
	}
	return ec, nil
}

func statusName(s models.Status) string {
	if s == models.StatusNone {
		return "none"
	}
	return string(s)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
