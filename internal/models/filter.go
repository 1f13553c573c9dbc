package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filter narrows a snag listing. Zero fields do not filter.
type Filter struct {
	OwnerID  string     `json:"owner_id,omitempty"`
	Store    string     `json:"store,omitempty"` // substring match
	Category string     `json:"category,omitempty"`
	Urgency  Urgency    `json:"urgency,omitempty"`
	Status   Status     `json:"status,omitempty"`
	From     *time.Time `json:"date_from,omitempty"`
	To       *time.Time `json:"date_to,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// Stats summarises the snags visible to one user.
type Stats struct {
	Total      int             `json:"total"`
	Pending    int             `json:"pending"`
	InProgress int             `json:"in_progress"`
	Resolved   int             `json:"resolved"`
	Critical   int             `json:"critical"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}
