package creditgate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Namespace selects one of the parallel table sets a deployment writes to.
type Namespace string

const (
	NamespaceStaging    Namespace = "staging"
	NamespaceProduction Namespace = "production"
)

// Namespaces lists every known namespace.
var Namespaces = []Namespace{NamespaceStaging, NamespaceProduction}

// Valid reports whether n is a known namespace.
func (n Namespace) Valid() bool {
	return n == NamespaceStaging || n == NamespaceProduction
}

// ParseNamespace converts a runtime mode flag into a Namespace.
// "prod" and "dev" are accepted as aliases.
func ParseNamespace(s string) (Namespace, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "staging", "dev", "development":
		return NamespaceStaging, nil
	case "production", "prod":
		return NamespaceProduction, nil
	default:
		return "", fmt.Errorf("creditgate: unknown namespace %q", s)
	}
}

// TaskType identifies the kind of metered generation.
type TaskType int

const (
	TaskImage     TaskType = 1
	TaskVideo     TaskType = 2
	TaskCharacter TaskType = 11
)

func (t TaskType) String() string {
	switch t {
	case TaskImage:
		return "image"
	case TaskVideo:
		return "video"
	case TaskCharacter:
		return "character"
	default:
		return strconv.Itoa(int(t))
	}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	return t == TaskImage || t == TaskVideo || t == TaskCharacter
}

func (t TaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts either the task name or its numeric code.
func (t *TaskType) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	switch s {
	case "image":
		*t = TaskImage
		return nil
	case "video":
		*t = TaskVideo
		return nil
	case "character":
		*t = TaskCharacter
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !TaskType(n).Valid() {
		return fmt.Errorf("creditgate: unknown task type %q", string(b))
	}
	*t = TaskType(n)
	return nil
}

// UserAccount holds the free allowance of a user.
type UserAccount struct {
	ID         string `json:"id"`
	FreeCredit int64  `json:"free_credit"`
}

// Validate checks the account invariants.
func (a UserAccount) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidParams)
	}
	if a.FreeCredit < 0 {
		return fmt.Errorf("%w: free credit %d is negative", ErrInvalidAmount, a.FreeCredit)
	}
	return nil
}

// GrantStatus is the billing state of a subscription grant.
type GrantStatus string

const (
	GrantActive    GrantStatus = "active"
	GrantCancelled GrantStatus = "cancelled"
)

// SubscriptionGrant is a time-boxed credit entitlement created by billing.
// Times have second precision.
type SubscriptionGrant struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	PlanCode        int         `json:"plan_code"`
	CreditPerPeriod int64       `json:"credit_per_period"`
	CreditRemaining int64       `json:"credit_remaining"`
	ExpiresAt       time.Time   `json:"expires_at"`
	PeriodExpiresAt time.Time   `json:"period_expires_at"`
	Status          GrantStatus `json:"status"`
}

// Spendable reports whether the grant's remaining credit counts toward the
// balance at now. Cancelled grants stay spendable until their current
// period ends; they are only excluded from renewal.
func (g SubscriptionGrant) Spendable(now time.Time) bool {
	return g.ExpiresAt.After(now) && g.PeriodExpiresAt.After(now)
}

// Validate checks the grant invariants.
func (g SubscriptionGrant) Validate() error {
	switch {
	case g.ID == "" || g.UserID == "":
		return fmt.Errorf("%w: grant id and user id are required", ErrInvalidParams)
	case g.CreditRemaining < 0 || g.CreditPerPeriod < 0:
		return fmt.Errorf("%w: grant %s has negative credit", ErrInvalidAmount, g.ID)
	case g.PeriodExpiresAt.After(g.ExpiresAt):
		return fmt.Errorf("%w: grant %s period ends after expiry", ErrInvalidParams, g.ID)
	case g.Status != GrantActive && g.Status != GrantCancelled:
		return fmt.Errorf("%w: grant %s has status %q", ErrInvalidParams, g.ID, g.Status)
	}
	return nil
}

// ReservationStatus is the lifecycle state of a generation reservation.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationFinished ReservationStatus = "finished"
	ReservationFailed   ReservationStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationFinished || s == ReservationFailed
}

// Reservation is the audit record of one admitted generation request.
type Reservation struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	TaskType       TaskType          `json:"task_type"`
	Status         ReservationStatus `json:"status"`
	ConsumedCredit *int64            `json:"consumed_credit,omitempty"`
	Model          *string           `json:"model,omitempty"`
	Tool           *string           `json:"tool,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Outcome is the accounting result written when a reservation is finalized.
type Outcome struct {
	Status         ReservationStatus
	ConsumedCredit *int64
	Model          *string
	Tool           *string
}

// GenerateRequest is a caller's request for a metered generation.
type GenerateRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Count  int            `json:"count,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// GenerateResponse is returned after a successful, charged generation.
type GenerateResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Assets  []Asset     `json:"assets"`
	Charged int64       `json:"charged"`
	Routing RoutingInfo `json:"routing"`
}

// Asset is one generated artifact.
type Asset struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// RoutingInfo describes which provider served the request.
type RoutingInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
}

// Int64Ptr returns a pointer to the given int64.
func Int64Ptr(v int64) *int64 { return &v }

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
