package refcache

import (
	"strings"

	"github.com/go-faster/errors"

	"snag-tracker/internal/models"
)

// schema v1 of the reference worksheets: header row first, columns located by name.
type schema struct {
	worksheet string
	required  string
	address   string
	code      string
	normalize func(string) (string, bool)
}

var schemas = map[Key]schema{
	KeyStores:     {worksheet: "Stores", required: "Store Name", address: "Address", code: "Store Code"},
	KeyCategories: {worksheet: "Categories", required: "Category"},
	KeyUrgency: {worksheet: "Urgency Levels", required: "Level", normalize: func(s string) (string, bool) {
		u, err := models.ParseUrgency(s)
		return string(u), err == nil
	}},
}

var errNoRows = errors.New("no valid rows")

func (s schema) parse(raw [][]string) ([]Row, error) {
	if len(raw) == 0 {
		return nil, errors.Errorf("worksheet %q is empty", s.worksheet)
	}
	cols := map[string]int{}
	for i, h := range raw[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := cols[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}
	req := col(s.required)
	if req < 0 {
		return nil, errors.Errorf("worksheet %q has no %q column", s.worksheet, s.required)
	}
	addr, code := col(s.address), col(s.code)

	rows := make([]Row, 0, len(raw)-1)
	for _, r := range raw[1:] {
		v := cell(r, req)
		if v == "" {
			continue
		}
		if s.normalize != nil {
			var ok bool
			if v, ok = s.normalize(v); !ok {
				continue
			}
		}
		rows = append(rows, Row{Value: v, Address: cell(r, addr), Code: cell(r, code)})
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(errNoRows, "worksheet %q", s.worksheet)
	}
	return rows, nil
}

func cell(r []string, i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[i])
}

func fallbackRows(key Key) []Row {
	var values []string
	switch key {
	case KeyStores:
		values = []string{"Other / Unlisted store"}
	case KeyCategories:
		values = []string{
			"Electrical", "Plumbing", "Structural", "HVAC", "Safety", "Lighting",
			"Flooring", "Doors/Windows", "Painting", "Equipment", "Other",
		}
	case KeyUrgency:
		for _, u := range models.Urgencies {
			values = append(values, string(u))
		}
	}
	rows := make([]Row, len(values))
	for i, v := range values {
		rows[i] = Row{Value: v}
	}
	return rows
}
