// Package models holds the domain entities and the registration status
// state machine shared by the store, the rules and the engine.
package models

import (
	"encoding/json"
	"time"
)

// Status is the registration status. The zero value StatusNone doubles as
// the "no registration" initial state and, when produced by a rule, as a
// full denial of the requested transition.
type Status string

const (
	StatusNone         Status = ""
	StatusEnrolled     Status = "enrolled"
	StatusWaitlisted   Status = "waitlisted"
	StatusUnregistered Status = "unregistered"
)

// Transitions maps a current status to its allowed targets, ordered from
// lowest to highest precedence. When rules disagree, the highest-precedence
// verdict wins; the last entry is also the early-exit "stop" verdict during
// evaluation.
var Transitions = map[Status][]Status{
	StatusNone:         {StatusEnrolled, StatusWaitlisted, StatusNone},
	StatusEnrolled:     {StatusUnregistered, StatusEnrolled},
	StatusUnregistered: {StatusEnrolled, StatusWaitlisted, StatusUnregistered},
	StatusWaitlisted:   {StatusEnrolled, StatusUnregistered, StatusWaitlisted},
}

// ValidTransition reports whether moving from begin to end is a legal edge.
// A no-op transition is always legal.
func ValidTransition(begin, end Status) bool {
	if begin == end {
		return true
	}
	targets, ok := Transitions[begin]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == end {
			return true
		}
	}
	return false
}

// Confirm tracks how far the offline loop has taken a registration.
type Confirm string

const (
	ConfirmNotReady  Confirm = "not_ready"
	ConfirmReady     Confirm = "ready"
	ConfirmProcessed Confirm = "processed"
)

// Active marks the single current registration for a (user, activity) pair.
type Active string

const (
	ActiveYes Active = "active"
	ActiveNo  Active = "inactive"
)

type EmployeeType string

const (
	EmployeeRegular    EmployeeType = "employee"
	EmployeeIntern     EmployeeType = "intern"
	EmployeeContractor EmployeeType = "contractor"
	EmployeeVendor     EmployeeType = "vendor"
)

// RuleConfig is a persisted, parameterized reference to a rule type. It is
// owned by a program, an activity or an access point; changing the owner's
// rule set is the only way configs are created or retired.
type RuleConfig struct {
	Name        string          `json:"name"`
	Parameters  json.RawMessage `json:"parameters"`
	Description string          `json:"description,omitempty"`
	Key         string          `json:"key"`
}

type Program struct {
	ID          string
	Name        string
	Description string
	Rules       []RuleConfig
	Visible     bool
	Deleted     bool
	ToBeDeleted bool
	CreatedAt   time.Time
}

type Activity struct {
	ID          string
	ProgramID   string
	Name        string
	StartTime   time.Time
	EndTime     time.Time
	Rules       []RuleConfig
	Visible     bool
	Deleted     bool
	ToBeDeleted bool
	CreatedAt   time.Time
}

// AccessPoint is a capacity-limited attendance location (a room, a VC
// bridge). Tags categorize access points; the first tag is the display tag
// and identifies the office location.
type AccessPoint struct {
	ID       string
	Type     string
	URI      string
	Location string
	Tags     []string
	Rules    []RuleConfig
	Deleted  bool
}

// Schedule is one time slot of an activity. A registrant picks one access
// point per schedule and is expected to attend every schedule.
type Schedule struct {
	ID                   string
	ActivityID           string
	StartTime            time.Time
	EndTime              time.Time
	AccessPointIDs       []string
	AccessPointIDsBackup []string
	Deleted              bool
	ToBeDeleted          bool
	LastModified         time.Time
}

// HasAccessPoint reports whether ap is a valid choice for this schedule,
// primary or backup.
func (s Schedule) HasAccessPoint(ap string) bool {
	for _, id := range s.AccessPointIDs {
		if id == ap {
			return true
		}
	}
	for _, id := range s.AccessPointIDsBackup {
		if id == ap {
			return true
		}
	}
	return false
}

// Registration records one attempt by a user to hold a slot in an activity.
//
// Invariants: at most one row per (user, activity) has Active=ActiveYes, and
// Confirmed=ConfirmNotReady implies Active=ActiveNo. An unregister row points
// at the enroll row it cancels through ParentID.
type Registration struct {
	ID             string
	UserEmail      string
	CreatorEmail   string
	ProgramID      string
	ActivityID     string
	ScheduleIDs    []string
	AccessPointIDs []string
	QueueTime      time.Time

	Status    Status
	Confirmed Confirm
	Active    Active

	// OnlineFreed records that the offline loop already released the online
	// reservation for this unregister row, so a retried step will not
	// decrement twice.
	OnlineFreed bool

	RuleTags         []string
	AffectingTags    []string
	AffectingConfigs []RuleConfig

	ForceStatus  bool
	NotifyEmail  bool
	LastNotified Status

	// ParentID links an unregister row to the enroll row it supersedes.
	ParentID string

	LastModified time.Time
}

// ManagerApproval is the persisted state of one manager-approval workflow,
// keyed by (rule key, activity, candidate).
type ManagerApproval struct {
	ID              string
	CandidateEmail  string
	ManagerEmail    string
	ActivityID      string
	ProgramID       string
	NominatorEmail  string
	QueueTime       time.Time
	Approved        bool
	ManagerDecision bool
	LastUpdate      time.Time
}
