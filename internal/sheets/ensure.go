package sheets

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
)

// ErrWorksheetUnavailable means the target worksheet could not be prepared, so
// no row was appended.
var ErrWorksheetUnavailable = errors.New("mirror worksheet unavailable")

// MirrorHeaders maps each mirror worksheet to its header row.
func MirrorHeaders() map[string][]string {
	return map[string][]string{
		SnagsWorksheet:       SnagHeader,
		CorrectionsWorksheet: CorrectionHeader,
	}
}

// Mirror appends rows through a Client and makes sure each known worksheet
// exists with its header before the first append. A worksheet deleted after
// startup is recreated by the next append; once prepared it is not checked again
// for the life of the process.
type Mirror struct {
	client  Client
	headers map[string][]string

	mu    sync.Mutex
	ready map[string]bool
}

// NewMirror wraps client. Worksheets missing from headers are appended to as-is.
func NewMirror(client Client, headers map[string][]string) *Mirror {
	return &Mirror{client: client, headers: headers, ready: map[string]bool{}}
}

// Prepare ensures the given worksheets up front. The first error is returned
// after every worksheet has been tried.
func (m *Mirror) Prepare(ctx context.Context, worksheets ...string) error {
	var first error
	for _, ws := range worksheets {
		if err := m.ensure(ctx, ws); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AppendRow implements the snag service's mirror.
func (m *Mirror) AppendRow(ctx context.Context, worksheet string, values []any) error {
	if err := m.ensure(ctx, worksheet); err != nil {
		return err
	}
	return m.client.AppendRow(ctx, worksheet, values)
}

func (m *Mirror) ensure(ctx context.Context, worksheet string) error {
	header, known := m.headers[worksheet]
	if !known {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready[worksheet] {
		return nil
	}
	if err := m.client.EnsureWorksheet(ctx, worksheet, header); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return err
		}
		return fmt.Errorf("%w %q: %w", ErrWorksheetUnavailable, worksheet, err)
	}
	m.ready[worksheet] = true
	return nil
}
