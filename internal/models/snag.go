package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a snag.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
)

// Statuses lists lifecycle states in progression order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusResolved, StatusClosed}

// ParseStatus accepts the display form, case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is at or beyond other in the progression.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

// CanTransition reports whether from -> to is an allowed forward move.
// Reopen (Resolved or Closed back to In Progress) counts as a forward transition.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusResolved
	case StatusResolved:
		return to == StatusClosed || to == StatusInProgress
	case StatusClosed:
		return to == StatusInProgress
	}
	return false
}

// Urgency is ordered Low < Medium < High < Critical.
type Urgency string

const (
	UrgencyLow      Urgency = "Low"
	UrgencyMedium   Urgency = "Medium"
	UrgencyHigh     Urgency = "High"
	UrgencyCritical Urgency = "Critical"
)

// Urgencies lists urgency levels from lowest to highest.
var Urgencies = []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical}

// ParseUrgency accepts the display form, case-insensitively.
func ParseUrgency(s string) (Urgency, error) {
	for _, u := range Urgencies {
		if strings.EqualFold(strings.TrimSpace(s), string(u)) {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// Score is the numeric priority weight, 1 for Low up to 4 for Critical.
func (u Urgency) Score() int {
	for i, v := range Urgencies {
		if v == u {
			return i + 1
		}
	}
	return 0
}

// PaymentStatus has no ordering constraint.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "Unpaid"
	PaymentPartial PaymentStatus = "Partial"
	PaymentPaid    PaymentStatus = "Paid"
)

// ParsePaymentStatus accepts the display form, case-insensitively.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	for _, p := range []PaymentStatus{PaymentUnpaid, PaymentPartial, PaymentPaid} {
		if strings.EqualFold(strings.TrimSpace(s), string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// MediaStatus records what happened to an attachment.
const (
	MediaNone     = "none"
	MediaAttached = "attached"
	MediaFailed   = "failed"
)

// SyncStatus records the state of the mirror append for a snag.
const (
	SyncPending    = "pending"
	SyncSynced     = "synced"
	SyncFailed     = "failed"
	SyncUnresolved = "unresolved"
)

// Snag is the system-of-record entity for a reported maintenance issue.
type Snag struct {
	ID            string          `json:"id"`
	Identifier    string          `json:"snag_id"`
	CreatedAt     time.Time       `json:"timestamp"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ReporterName  string          `json:"name_of_area_manager"`
	ReporterEmail string          `json:"email_address"`
	StoreName     string          `json:"store_name_address"`
	StoreCode     string          `json:"store_number_code,omitempty"`
	ReportDate    time.Time       `json:"date_of_report"`
	Title         string          `json:"snag_title"`
	Category      string          `json:"snag_category"`
	Description   string          `json:"describe_issue"`
	Urgency       Urgency         `json:"urgency_level"`
	Score         int             `json:"score"`
	Status        Status          `json:"current_status"`
	Cost          decimal.Decimal `json:"latest_cost"`
	PaymentStatus PaymentStatus   `json:"latest_payment_status"`
	EmailSent     bool            `json:"email_sent"`
	EmailSentAt   *time.Time      `json:"email_sent_at,omitempty"`
	MediaLink     *string         `json:"google_drive_media_link,omitempty"`
	MediaFileID   *string         `json:"media_file_id,omitempty"`
	MediaStatus   string          `json:"media_status"`
	SyncStatus    string          `json:"sync_status"`
	Notes         []Note          `json:"notes"`
	ResolvedAt    *time.Time      `json:"resolved_date,omitempty"`
	ResolvedBy    *string         `json:"resolved_by,omitempty"`
	OwnerID       string          `json:"user_id"`
	Steps         []StepResult    `json:"steps"`
}

// Note is one append-only entry in a snag's note sequence.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// String renders the note the way it appears in the mirror.
func (n Note) String() string {
	return fmt.Sprintf("[%s] %s: %s", n.CreatedAt.Format("2006-01-02 15:04"), n.Author, n.Text)
}

// JoinNotes renders the note sequence as a single text block.
func JoinNotes(notes []Note) string {
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, "\n\n")
}
