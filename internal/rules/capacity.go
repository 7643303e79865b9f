package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"registrar/internal/counter"
	"registrar/internal/models"
)

// activityKey is the single counter key used by activity-wide capacity;
// per-access-point capacity uses schedule ids as keys instead.
const activityKey = "_"

func init() {
	register(Descriptor{
		Name:        "max_people_activity",
		Description: "Limited slots for activity.",
		CanBatch:    true,
		New:         newMaxPeopleActivity,
		ReprocessTags: func(cfg models.RuleConfig, _ []string) []string {
			return []string{cfg.Key + activityKey}
		},
	})
	register(Descriptor{
		Name:        "max_people_access_point",
		Description: "Limited slots for attending location.",
		CanBatch:    false,
		New:         newMaxPeopleAccessPoint,
		ReprocessTags: func(cfg models.RuleConfig, scheduleIDs []string) []string {
			tags := make([]string, 0, len(scheduleIDs))
			for _, sid := range scheduleIDs {
				tags = append(tags, cfg.Key+sid)
			}
			return tags
		},
	})
}

// evalCapacity is the shared reserve-or-waitlist decision. The counter
// key is contextualized with the config key to form the rule tag.
func evalCapacity(ctx context.Context, c *counter.Counter, cfgKey, key string, max int64, online bool, target models.Status) (Verdict, error) {
	tag := cfgKey + key
	if target != models.StatusEnrolled {
		// Only enrollments consume slots; report remaining capacity.
		used, err := c.Get(ctx, key)
		if err != nil {
			used = max
		}
		return Verdict{Status: target, Tags: []string{tag}, ResourceRemaining: max - used, HasRemaining: true}, nil
	}

	n, err := c.Incr(ctx, key)
	if err != nil {
		if online && errors.Is(err, counter.ErrExhausted) {
			// Cache tier unusable; waitlist conservatively and let the
			// offline loop sort it out.
			log.Printf("level=error msg=\"capacity counter unavailable\" key=%s err=%q", tag, err)
			return Verdict{Status: models.StatusWaitlisted, Tags: []string{tag}, HasRemaining: true}, nil
		}
		return Verdict{}, err
	}
	if n <= max {
		return Verdict{Status: models.StatusEnrolled, Tags: []string{tag}, ResourceRemaining: max - n, HasRemaining: true}, nil
	}
	if !online {
		// Offline corrects immediately; online keeps the reservation so
		// a later request cannot leapfrog this waitlisted one.
		c.Decr(key)
	}
	return Verdict{Status: models.StatusWaitlisted, Tags: []string{tag}, ResourceRemaining: max - n, HasRemaining: true}, nil
}

func processCapacityOutcome(ctx context.Context, c *counter.Counter, online bool, key string, evaluated, final models.Status) {
	if online {
		switch evaluated {
		case models.StatusUnregistered:
			// Only the offline loop notifies online counters of an
			// unregistration; that is the one offline-to-online write.
			if final == models.StatusUnregistered {
				c.Decr(key)
			}
		case models.StatusWaitlisted, models.StatusEnrolled:
			if final == models.StatusNone {
				c.Decr(key)
			}
		}
		return
	}
	switch evaluated {
	case models.StatusUnregistered:
		if final == models.StatusUnregistered {
			c.Decr(key)
		}
	case models.StatusEnrolled:
		if final != models.StatusEnrolled {
			c.Decr(key)
		}
	case models.StatusWaitlisted:
		if final == models.StatusEnrolled {
			_, _ = c.Incr(ctx, key)
		}
	}
}

type maxPeopleParams struct {
	MaxPeople    int64    `json:"max_people"`
	AccessPoints []string `json:"access_points,omitempty"`
}

type maxPeopleActivity struct {
	cfg     models.RuleConfig
	online  bool
	max     int64
	counter *counter.Counter
}

func newMaxPeopleActivity(p Params) (Rule, error) {
	var mp maxPeopleParams
	if err := json.Unmarshal(p.Config.Parameters, &mp); err != nil {
		return nil, fmt.Errorf("max_people_activity params: %w", err)
	}
	env := p.Env
	activityID := p.Ctx.Activity.ID
	online := p.Online
	build := func(ctx context.Context) (map[string]int64, error) {
		regs, err := env.Store.AccountableRegistrations(ctx, activityID, !online)
		if err != nil {
			return nil, err
		}
		return map[string]int64{activityKey: int64(len(regs))}, nil
	}
	return &maxPeopleActivity{
		cfg:     p.Config,
		online:  p.Online,
		max:     mp.MaxPeople,
		counter: counter.New(env.Cache, p.Namespace(), env.Retries, p.Mode, p.Online, build),
	}, nil
}

func (r *maxPeopleActivity) Evaluate(ctx context.Context, _, target models.Status) (Verdict, error) {
	return evalCapacity(ctx, r.counter, r.cfg.Key, activityKey, r.max, r.online, target)
}

func (r *maxPeopleActivity) ProcessOutcome(ctx context.Context, evaluated, final models.Status) {
	processCapacityOutcome(ctx, r.counter, r.online, activityKey, evaluated, final)
}

// maxPeopleAccessPoint limits seats per schedule for a set of access
// points. It cannot batch: the engine instantiates it once per
// schedule/access-point pair, so the context holds exactly one pair.
type maxPeopleAccessPoint struct {
	cfg      models.RuleConfig
	ctx      Context
	online   bool
	max      int64
	relevant map[string]bool
	counter  *counter.Counter
}

func newMaxPeopleAccessPoint(p Params) (Rule, error) {
	var mp maxPeopleParams
	if err := json.Unmarshal(p.Config.Parameters, &mp); err != nil {
		return nil, fmt.Errorf("max_people_access_point params: %w", err)
	}
	relevant := make(map[string]bool, len(mp.AccessPoints))
	for _, id := range mp.AccessPoints {
		relevant[id] = true
	}
	env := p.Env
	activityID := p.Ctx.Activity.ID
	online := p.Online
	build := func(ctx context.Context) (map[string]int64, error) {
		regs, err := env.Store.AccountableRegistrations(ctx, activityID, !online)
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int64)
		for _, reg := range regs {
			for i, sid := range reg.ScheduleIDs {
				if i < len(reg.AccessPointIDs) && relevant[reg.AccessPointIDs[i]] {
					counts[sid]++
				}
			}
		}
		return counts, nil
	}
	return &maxPeopleAccessPoint{
		cfg:      p.Config,
		ctx:      p.Ctx,
		online:   p.Online,
		max:      mp.MaxPeople,
		relevant: relevant,
		counter:  counter.New(env.Cache, p.Namespace(), env.Retries, p.Mode, p.Online, build),
	}, nil
}

func (r *maxPeopleAccessPoint) Evaluate(ctx context.Context, _, target models.Status) (Verdict, error) {
	if len(r.ctx.Schedules) == 0 || !r.relevant[r.ctx.AccessPointIDs[0]] {
		return Verdict{Status: target}, nil
	}
	return evalCapacity(ctx, r.counter, r.cfg.Key, r.ctx.Schedules[0].ID, r.max, r.online, target)
}

func (r *maxPeopleAccessPoint) ProcessOutcome(ctx context.Context, evaluated, final models.Status) {
	for i, sch := range r.ctx.Schedules {
		if r.relevant[r.ctx.AccessPointIDs[i]] {
			processCapacityOutcome(ctx, r.counter, r.online, sch.ID, evaluated, final)
		}
	}
}
