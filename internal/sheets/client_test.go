package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"snag-tracker/internal/models"
)

// fakeSheetsAPI serves the subset of the Sheets v4 REST API the client uses.
type fakeSheetsAPI struct {
	mu           sync.Mutex
	titles       []string
	values       map[string][][]any
	appended     map[string][][]any
	inputOptions []string
	failWith     int
	batchAdds    int
	updates      int
}

func newFakeSheetsAPI() *fakeSheetsAPI {
	return &fakeSheetsAPI{values: map[string][][]any{}, appended: map[string][][]any{}}
}

func (f *fakeSheetsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"boom"}}`, f.failWith)
		return
	}
	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.Contains(path, "/values/") && strings.HasSuffix(path, ":append"):
		rng := rangeName(path[strings.Index(path, "/values/")+len("/values/") : len(path)-len(":append")])
		var body struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.appended[rng] = append(f.appended[rng], body.Values...)
		f.inputOptions = append(f.inputOptions, r.URL.Query().Get("valueInputOption"))
		_, _ = w.Write([]byte(`{}`))
	case strings.Contains(path, "/values/") && r.Method == http.MethodPut:
		rng := rangeName(path[strings.Index(path, "/values/")+len("/values/"):])
		var body struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(f.values[rng]) == 0 {
			f.values[rng] = body.Values
		} else {
			f.values[rng][0] = body.Values[0]
		}
		f.inputOptions = append(f.inputOptions, r.URL.Query().Get("valueInputOption"))
		f.updates++
		_, _ = w.Write([]byte(`{}`))
	case strings.Contains(path, "/values/"):
		raw := path[strings.Index(path, "/values/")+len("/values/"):]
		rows := f.values[rangeName(raw)]
		if strings.HasSuffix(raw, "!1:1") && len(rows) > 1 {
			rows = rows[:1]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"range": raw, "values": rows})
	case strings.HasSuffix(path, ":batchUpdate"):
		var body struct {
			Requests []struct {
				AddSheet struct {
					Properties struct {
						Title string `json:"title"`
					} `json:"properties"`
				} `json:"addSheet"`
			} `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, req := range body.Requests {
			f.titles = append(f.titles, req.AddSheet.Properties.Title)
		}
		f.batchAdds++
		_, _ = w.Write([]byte(`{}`))
	default:
		sheets := make([]map[string]any, 0, len(f.titles))
		for _, t := range f.titles {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": t}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
	}
}

func rangeName(escaped string) string {
	// The client quotes names as 'Name', optionally followed by !cells.
	if i := strings.LastIndex(escaped, "'!"); i >= 0 {
		escaped = escaped[:i+1]
	}
	name := strings.Trim(escaped, "'")
	return strings.ReplaceAll(name, "''", "'")
}

func newTestClient(t *testing.T, api http.Handler) *GoogleClient {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := NewGoogleClient(context.Background(), "sheet-1",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func TestReadWorksheet(t *testing.T) {
	api := newFakeSheetsAPI()
	api.values["Categories"] = [][]any{{"Category"}, {" Electrical "}, {"Plumbing"}}
	c := newTestClient(t, api)

	rows, err := c.ReadWorksheet(context.Background(), "Categories")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Category"}, {"Electrical"}, {"Plumbing"}}, rows)
}

func TestAppendRow(t *testing.T) {
	api := newFakeSheetsAPI()
	c := newTestClient(t, api)

	require.NoError(t, c.AppendRow(context.Background(), "Snags", []any{"a", 1}))
	require.Len(t, api.appended["Snags"], 1)
	assert.Equal(t, "a", api.appended["Snags"][0][0])
}

func TestAppendRowStoresFormulasAsText(t *testing.T) {
	api := newFakeSheetsAPI()
	c := newTestClient(t, api)

	require.NoError(t, c.AppendRow(context.Background(), "Snags", []any{`=HYPERLINK("http://evil","x")`}))
	assert.Equal(t, []string{"RAW"}, api.inputOptions)
	assert.Equal(t, `=HYPERLINK("http://evil","x")`, api.appended["Snags"][0][0])
}

func TestEnsureWorksheetCreatesOnce(t *testing.T) {
	api := newFakeSheetsAPI()
	c := newTestClient(t, api)
	ctx := context.Background()

	require.NoError(t, c.EnsureWorksheet(ctx, SnagsWorksheet, SnagHeader))
	require.NoError(t, c.EnsureWorksheet(ctx, SnagsWorksheet, SnagHeader))

	assert.Equal(t, 1, api.batchAdds)
	assert.Equal(t, 1, api.updates)
	assert.Empty(t, api.appended[SnagsWorksheet])
	require.Len(t, api.values[SnagsWorksheet], 1)
	assert.Equal(t, "Timestamp", api.values[SnagsWorksheet][0][0])
	assert.Equal(t, []string{"RAW"}, api.inputOptions)
}

func TestEnsureWorksheetHeaderOnlyWhenFirstRowEmpty(t *testing.T) {
	api := newFakeSheetsAPI()
	api.titles = []string{SnagsWorksheet, CorrectionsWorksheet}
	api.values[SnagsWorksheet] = [][]any{{"Edited header"}, {"row"}}
	c := newTestClient(t, api)
	ctx := context.Background()

	require.NoError(t, c.EnsureWorksheet(ctx, SnagsWorksheet, SnagHeader))
	assert.Equal(t, 0, api.updates)
	assert.Equal(t, "Edited header", api.values[SnagsWorksheet][0][0])

	// Existing worksheet whose header row was cleared.
	require.NoError(t, c.EnsureWorksheet(ctx, CorrectionsWorksheet, CorrectionHeader))
	assert.Equal(t, 0, api.batchAdds)
	assert.Equal(t, 1, api.updates)
	assert.Equal(t, "Recorded At", api.values[CorrectionsWorksheet][0][0])
}

func TestIsDefiniteRejection(t *testing.T) {
	assert.False(t, IsDefiniteRejection(nil))
	assert.True(t, IsDefiniteRejection(ErrNotConfigured))
	assert.True(t, IsDefiniteRejection(errors.Wrap(&googleapi.Error{Code: 403}, "append")))
	assert.True(t, IsDefiniteRejection(&googleapi.Error{Code: 429}))
	assert.False(t, IsDefiniteRejection(&googleapi.Error{Code: 503}))
	assert.False(t, IsDefiniteRejection(&googleapi.Error{Code: 408}))
	assert.False(t, IsDefiniteRejection(context.DeadlineExceeded))
	assert.False(t, IsDefiniteRejection(io.ErrUnexpectedEOF))
	assert.True(t, IsDefiniteRejection(fmt.Errorf("%w %q: %w", ErrWorksheetUnavailable, "Snags", context.DeadlineExceeded)))
}

func TestAppendRowServerErrorIsAmbiguous(t *testing.T) {
	api := newFakeSheetsAPI()
	api.failWith = http.StatusServiceUnavailable
	c := newTestClient(t, api)

	err := c.AppendRow(context.Background(), "Snags", []any{"x"})
	require.Error(t, err)
	assert.False(t, IsDefiniteRejection(err))
}

func TestSnagRow(t *testing.T) {
	link := "https://drive.example/file/1"
	resolvedBy := "ops"
	resolvedAt := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	s := models.Snag{
		Identifier:    "SNag-20240601-0001",
		CreatedAt:     time.Date(2024, 6, 1, 8, 30, 15, 0, time.UTC),
		ReporterName:  "Dana",
		ReporterEmail: "dana@example.com",
		StoreName:     "Leeds",
		ReportDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Title:         "Door jammed",
		Category:      "Doors/Windows",
		Description:   "Fire exit stuck",
		Urgency:       models.UrgencyCritical,
		Score:         4,
		Status:        models.StatusResolved,
		Cost:          decimal.RequireFromString("80"),
		PaymentStatus: models.PaymentPaid,
		EmailSent:     true,
		MediaLink:     &link,
		ResolvedAt:    &resolvedAt,
		ResolvedBy:    &resolvedBy,
	}

	row := SnagRow(s)
	require.Len(t, row, len(SnagHeader))
	assert.Equal(t, "2024-06-01 08:30:15", row[0])
	assert.Equal(t, "SNag-20240601-0001", row[1])
	assert.Equal(t, "2024-06-01", row[6])
	assert.Equal(t, 4, row[11])
	assert.Equal(t, "80.00", row[13])
	assert.Equal(t, "Yes", row[15])
	assert.Equal(t, link, row[16])
	assert.Equal(t, "2024-06-02 09:00:00", row[18])
	assert.Equal(t, "ops", row[19])

	corr := CorrectionRow(s, "ops", "status: Resolved", resolvedAt)
	require.Len(t, corr, len(CorrectionHeader))
	assert.Equal(t, "status: Resolved", corr[2])
}
