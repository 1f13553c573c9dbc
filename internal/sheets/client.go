// Package sheets wraps the remote spreadsheet service used as the reference-data
// source and as the append-only mirror of submitted snags.
package sheets

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Scopes required by the spreadsheet and drive clients.
var Scopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.file",
}

// Client is the consumed spreadsheet interface.
type Client interface {
	// ReadWorksheet returns all rows of the named worksheet, header first.
	ReadWorksheet(ctx context.Context, name string) ([][]string, error)
	// AppendRow appends one row of ordered values to the named worksheet.
	AppendRow(ctx context.Context, worksheet string, values []any) error
	// EnsureWorksheet creates the worksheet with a header row when absent.
	EnsureWorksheet(ctx context.Context, name string, header []string) error
}

// ErrNotConfigured is returned by the disabled client.
var ErrNotConfigured = errors.New("spreadsheet client not configured")

// CredentialsOption loads a service-account JSON file for Google APIs.
func CredentialsOption(ctx context.Context, path string, scopes ...string) (option.ClientOption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read google credentials")
	}
	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, errors.Wrap(err, "parse google credentials")
	}
	return option.WithCredentials(creds), nil
}

// GoogleClient talks to one spreadsheet through the Sheets v4 API.
type GoogleClient struct {
	svc           *sheets.Service
	spreadsheetID string
}

// NewGoogleClient builds a client for spreadsheetID.
func NewGoogleClient(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*GoogleClient, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets service")
	}
	return &GoogleClient{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func quoteRange(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// ReadWorksheet implements Client.
func (c *GoogleClient) ReadWorksheet(ctx context.Context, name string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, quoteRange(name)).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "read worksheet %q", name)
	}
	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = strings.TrimSpace(fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AppendRow implements Client.
func (c *GoogleClient) AppendRow(ctx context.Context, worksheet string, values []any) error {
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, quoteRange(worksheet), &sheets.ValueRange{
		Values: [][]interface{}{values},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "append to %q", worksheet)
	}
	return nil
}

// EnsureWorksheet implements Client. The header is written only when the first
// row is empty, so a header an operator has edited is left alone.
func (c *GoogleClient) EnsureWorksheet(ctx context.Context, name string, header []string) error {
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "get spreadsheet")
	}
	exists := false
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == name {
			exists = true
			break
		}
	}
	if !exists {
		_, err = c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{{
				AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: name}},
			}},
		}).Context(ctx).Do()
		if err != nil {
			return errors.Wrapf(err, "add worksheet %q", name)
		}
	}

	first, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, quoteRange(name)+"!1:1").Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "read header of %q", name)
	}
	if len(first.Values) > 0 && len(first.Values[0]) > 0 {
		return nil
	}
	values := make([]any, len(header))
	for i, h := range header {
		values[i] = h
	}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, quoteRange(name)+"!A1", &sheets.ValueRange{
		Values: [][]interface{}{values},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "write header of %q", name)
	}
	return nil
}

// Disabled is used when no spreadsheet is configured; every call fails.
type Disabled struct{}

func (Disabled) ReadWorksheet(context.Context, string) ([][]string, error) {
	return nil, ErrNotConfigured
}

func (Disabled) AppendRow(context.Context, string, []any) error { return ErrNotConfigured }

func (Disabled) EnsureWorksheet(context.Context, string, []string) error { return ErrNotConfigured }

// IsDefiniteRejection reports whether the service answered and refused the request,
// so the write is known not to have happened. Anything else (timeouts, transport
// errors, 5xx) leaves the server-side effect unknown.
func IsDefiniteRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrWorksheetUnavailable) {
		return true
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= http.StatusBadRequest && apiErr.Code < http.StatusInternalServerError &&
		apiErr.Code != http.StatusRequestTimeout
}
