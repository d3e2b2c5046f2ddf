// Package verifybot defines the core domain types shared by the bot's
// stores, verifier, membership fan-out and conversation machine.
package verifybot

import (
	"fmt"
	"strings"
	"time"
)

// State is a user's position in the conversation script.
type State string

const (
	StateInitial               State = "initial"
	StateWaitingGroupSelection State = "waiting_group_selection"
	StateWaitingQRCode         State = "waiting_qr_code"
	StateVerifying             State = "verifying"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateInitial, StateWaitingGroupSelection, StateWaitingQRCode, StateVerifying:
		return true
	}
	return false
}

// NeedsCategory reports whether a session in state s must carry a category.
func (s State) NeedsCategory() bool {
	return s == StateWaitingQRCode || s == StateVerifying
}

// Category is a join target family. The set is closed.
type Category string

const (
	CategoryPlayer Category = "player"
	CategoryJudge  Category = "judge"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryPlayer, CategoryJudge}

// ParseCategory maps a wire value to a Category.
func ParseCategory(v string) (Category, bool) {
	switch Category(strings.TrimSpace(v)) {
	case CategoryPlayer:
		return CategoryPlayer, true
	case CategoryJudge:
		return CategoryJudge, true
	}
	return "", false
}

// Session is one user's conversation state. The zero Category means
// "no category chosen".
type Session struct {
	UserID    string    `json:"user_id"`
	State     State     `json:"state"`
	Category  Category  `json:"group_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewSession returns the INITIAL session for userID.
func NewSession(userID string) Session {
	return Session{UserID: userID, State: StateInitial}
}

// AwaitingSelection returns the session waiting for a category choice.
func AwaitingSelection(userID string) Session {
	return Session{UserID: userID, State: StateWaitingGroupSelection}
}

// AwaitingQRCode returns the session waiting for a QR image for c.
func AwaitingQRCode(userID string, c Category) Session {
	return Session{UserID: userID, State: StateWaitingQRCode, Category: c}
}

// Verifying returns the session while a QR image for c is being processed.
func Verifying(userID string, c Category) Session {
	return Session{UserID: userID, State: StateVerifying, Category: c}
}

// Validate checks that the category is present exactly when the state
// requires one.
func (s Session) Validate() error {
	if !s.State.Valid() {
		return fmt.Errorf("unknown state %q", s.State)
	}
	hasCategory := s.Category != ""
	if s.State.NeedsCategory() != hasCategory {
		return fmt.Errorf("state %q with category %q", s.State, s.Category)
	}
	if hasCategory {
		if _, ok := ParseCategory(string(s.Category)); !ok {
			return fmt.Errorf("unknown category %q", s.Category)
		}
	}
	return nil
}

// Expired reports whether the session is logically absent at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// VerdictKey identifies one cached authorization verdict.
type VerdictKey struct {
	UserID   string
	Payload  string
	Category Category
}

// GroupConfig describes how a category is presented and where it joins.
type GroupConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keyword     string   `yaml:"keyword"`
	Alias       string   `yaml:"alias"`
	ChatIDs     []string `yaml:"chat_ids"`
}

// Groups maps each category to its configuration.
type Groups map[Category]GroupConfig

// Name returns the display name for c, falling back to the raw value.
func (g Groups) Name(c Category) string {
	if cfg, ok := g[c]; ok && cfg.Name != "" {
		return cfg.Name
	}
	return string(c)
}

// FanoutStatus is the overall outcome of a membership fan-out.
type FanoutStatus string

const (
	FanoutAllSucceeded     FanoutStatus = "all_succeeded"
	FanoutPartialSuccess   FanoutStatus = "partial_success"
	FanoutAllFailed        FanoutStatus = "all_failed"
	FanoutPermissionDenied FanoutStatus = "permission_denied"
)

// Joined reports whether the user ended up in at least one group.
func (s FanoutStatus) Joined() bool {
	return s == FanoutAllSucceeded || s == FanoutPartialSuccess
}

// TargetOutcome is the result of adding the user to one chat.
type TargetOutcome struct {
	ChatID          string
	Success         bool
	Code            int
	Error           string
	PermissionError bool
	Cause           string
}

// FanoutResult aggregates every target outcome of one fan-out.
type FanoutResult struct {
	Category     Category
	Status       FanoutStatus
	SuccessCount int
	Targets      []TargetOutcome
	// Message is safe to show the user.
	Message string
	// Guide is the operator remediation text, set for PERMISSION_DENIED.
	Guide string
	// Cause is the first permission cause seen, for operators.
	Cause string
}

// Verdict is the result of a permission check.
type Verdict struct {
	Authorized bool
	Detail     string
	FromCache  bool
}
