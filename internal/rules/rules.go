// Package rules holds the pluggable constraint logic evaluated for
// every registration transition. Rules are instantiated per evaluation
// from a persisted RuleConfig; resource rules additionally reserve
// capacity through rebuildable counters.
package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"registrar/internal/cache"
	"registrar/internal/counter"
	"registrar/internal/directory"
	"registrar/internal/models"
	"registrar/internal/notify"
	"registrar/internal/store"
)

// Context is the per-evaluation value object. It is never persisted;
// the engine reconstructs one from a stored registration when needed.
type Context struct {
	UserEmail    string
	CreatorEmail string
	Program      models.Program
	Activity     models.Activity

	// Schedules and AccessPointIDs are parallel: AccessPointIDs[i] is
	// the chosen access point for Schedules[i].
	Schedules      []models.Schedule
	AccessPointIDs []string

	QueueTime   time.Time
	Force       bool
	NotifyEmail bool
}

// Pair narrows a context to a single schedule/access-point selection
// for rules that cannot batch.
func (c Context) Pair(i int) Context {
	out := c
	out.Schedules = []models.Schedule{c.Schedules[i]}
	out.AccessPointIDs = []string{c.AccessPointIDs[i]}
	return out
}

// Verdict is one rule's answer for a requested transition. A zero
// Status (models.StatusNone) denies the transition entirely.
type Verdict struct {
	Status models.Status
	Tags   []string

	// ResourceRemaining is how much capacity is left after this
	// decision. Negative values are waitlist positions. Only resource
	// rules set HasRemaining.
	ResourceRemaining int64
	HasRemaining      bool
}

type Rule interface {
	Evaluate(ctx context.Context, initial, target models.Status) (Verdict, error)
	// ProcessOutcome tells the rule the collective final status so a
	// speculative reservation can be committed or rolled back.
	ProcessOutcome(ctx context.Context, evaluated, final models.Status)
}

// Env bundles the collaborators rules may touch.
type Env struct {
	Store     *store.Store
	Cache     cache.Cache
	Directory directory.Service
	Notifier  notify.Sender
	Retries   int
}

// Params carries everything needed to instantiate one rule for one
// evaluation.
type Params struct {
	Config models.RuleConfig
	Ctx    Context
	Online bool
	Mode   counter.Mode

	// NamespacePrefix rotates the offline counter namespace after a
	// crashed run; empty online.
	NamespacePrefix string

	Env *Env
}

// Namespace returns the cache namespace this rule's counters live in.
func (p Params) Namespace() string {
	prefix := "online"
	if !p.Online {
		prefix = "offline"
	}
	return fmt.Sprintf("%s_%s%s", prefix, p.NamespacePrefix, p.Config.Key)
}

// Descriptor is the registry entry for one rule type.
type Descriptor struct {
	Name        string
	Description string

	// CanBatch is false for rules that must be evaluated independently
	// per schedule/access-point pair; the engine fans them out.
	CanBatch bool

	New func(p Params) (Rule, error)

	// ReprocessTags lists the registration tags whose waitlisted
	// holders must be re-examined when a config of this type changes.
	// scheduleIDs are those of the owning entity's schedules.
	ReprocessTags func(cfg models.RuleConfig, scheduleIDs []string) []string
}

var registry = map[string]Descriptor{}

func register(d Descriptor) {
	if _, ok := registry[d.Name]; ok {
		panic("duplicate rule name " + d.Name)
	}
	registry[d.Name] = d
}

// Lookup finds a rule type by its persisted name.
func Lookup(name string) (Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names lists the registered rule types, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func noReprocessTags(models.RuleConfig, []string) []string { return nil }
