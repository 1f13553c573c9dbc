package sheets

import (
	"time"

	"snag-tracker/internal/models"
)

// Mirror worksheets, schema v1.
const (
	SnagsWorksheet       = "Snags"
	CorrectionsWorksheet = "Snag Updates"
)

// SnagHeader is the column layout of the Snags worksheet.
var SnagHeader = []string{
	"Timestamp", "Snag ID", "Area Manager", "Email", "Store Name/Address",
	"Store Code", "Date of Report", "Snag Title", "Category", "Description",
	"Urgency Level", "Score", "Status", "Latest Cost", "Payment Status",
	"Email Sent", "Media Link", "Notes", "Resolved Date", "Resolved By",
}

// CorrectionHeader prefixes the snag columns with who changed what and when.
var CorrectionHeader = append([]string{"Recorded At", "Actor", "Change"}, SnagHeader...)

const (
	timestampLayout = "2006-01-02 15:04:05"
	dateLayout      = "2006-01-02"
)

// SnagRow renders a snag in SnagHeader order.
func SnagRow(s models.Snag) []any {
	emailSent := "No"
	if s.EmailSent {
		emailSent = "Yes"
	}
	resolved := ""
	if s.ResolvedAt != nil {
		resolved = s.ResolvedAt.Format(timestampLayout)
	}
	return []any{
		s.CreatedAt.Format(timestampLayout),
		s.Identifier,
		s.ReporterName,
		s.ReporterEmail,
		s.StoreName,
		s.StoreCode,
		s.ReportDate.Format(dateLayout),
		s.Title,
		s.Category,
		s.Description,
		string(s.Urgency),
		s.Score,
		string(s.Status),
		s.Cost.StringFixed(2),
		string(s.PaymentStatus),
		emailSent,
		deref(s.MediaLink),
		models.JoinNotes(s.Notes),
		resolved,
		deref(s.ResolvedBy),
	}
}

// CorrectionRow renders a corrected snag row for the corrections worksheet.
func CorrectionRow(s models.Snag, actor, change string, at time.Time) []any {
	return append([]any{at.Format(timestampLayout), actor, change}, SnagRow(s)...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
