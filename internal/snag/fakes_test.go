package snag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"snag-tracker/internal/ledger"
	"snag-tracker/internal/media"
	"snag-tracker/internal/models"
	"snag-tracker/internal/objectstore"
	"snag-tracker/internal/refcache"
	"snag-tracker/internal/store"
)

// fakeRepo mimics the Postgres store: an exclusive per-day counter and a
// compare-and-set status update.
type fakeRepo struct {
	mu       sync.Mutex
	snags    map[string]models.Snag
	counters map[string]int

	nextErr   error
	createErr error
	saveErr   error
	// conflicts makes the next N transitions lose their compare-and-set to a
	// concurrent writer, which leaves the snag in conflictTo when set.
	conflicts   int
	conflictTo  models.Status
	saveCalls   int
	appendCalls int
	// onCreate runs once the snag is stored, e.g. to cancel the caller.
	onCreate func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{snags: map[string]models.Snag{}, counters: map[string]int{}}
}

func (r *fakeRepo) NextIdentifier(_ context.Context, day time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextErr != nil {
		return "", r.nextErr
	}
	key := day.Format("20060102")
	r.counters[key]++
	return models.FormatIdentifier(day, r.counters[key]), nil
}

func (r *fakeRepo) Create(_ context.Context, s models.Snag) (models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return models.Snag{}, r.createErr
	}
	for _, existing := range r.snags {
		if existing.Identifier == s.Identifier {
			return models.Snag{}, fmt.Errorf("identifier %s already exists", s.Identifier)
		}
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Steps = append([]models.StepResult(nil), s.Steps...)
	r.snags[s.ID] = s
	if r.onCreate != nil {
		r.onCreate()
	}
	return s, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snags[id]
	if !ok {
		return models.Snag{}, store.ErrNotFound
	}
	return copySnag(s), nil
}

func (r *fakeRepo) List(_ context.Context, f models.Filter) ([]models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.Snag{}
	for _, s := range r.snags {
		if f.OwnerID != "" && s.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, copySnag(s))
	}
	return out, nil
}

func (r *fakeRepo) Stats(_ context.Context, ownerID string) (models.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := models.Stats{TotalCost: decimal.Zero}
	for _, s := range r.snags {
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		st.Total++
		st.TotalCost = st.TotalCost.Add(s.Cost)
	}
	return st, nil
}

func (r *fakeRepo) SaveOutcomes(ctx context.Context, id string, o models.Outcomes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		return r.saveErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := r.snags[id]
	if !ok {
		return store.ErrNotFound
	}
	s.SyncStatus, s.EmailSent, s.EmailSentAt = o.SyncStatus, o.EmailSent, o.EmailSentAt
	s.Steps = append([]models.StepResult(nil), o.Steps...)
	r.snags[id] = s
	return nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id string, from, to models.Status, actor string, at time.Time) (models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snags[id]
	if !ok {
		return models.Snag{}, store.ErrNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		if r.conflictTo != "" {
			s.Status = r.conflictTo
			r.snags[id] = s
		}
		return models.Snag{}, store.ErrConflict
	}
	if s.Status != from {
		return models.Snag{}, store.ErrConflict
	}
	s.Status = to
	if to == models.StatusResolved {
		s.ResolvedAt, s.ResolvedBy = &at, &actor
	}
	r.snags[id] = s
	return copySnag(s), nil
}

func (r *fakeRepo) UpdateCost(_ context.Context, id string, amount decimal.Decimal, payment models.PaymentStatus) (models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snags[id]
	if !ok {
		return models.Snag{}, store.ErrNotFound
	}
	s.Cost, s.PaymentStatus = amount, payment
	r.snags[id] = s
	return copySnag(s), nil
}

func (r *fakeRepo) AppendNote(_ context.Context, id string, n models.Note) (models.Snag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snags[id]
	if !ok {
		return models.Snag{}, store.ErrNotFound
	}
	s.Notes = append(append([]models.Note(nil), s.Notes...), n)
	r.snags[id] = s
	return copySnag(s), nil
}

func (r *fakeRepo) AppendSteps(ctx context.Context, id string, syncStatus string, steps ...models.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := r.snags[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Steps = append(append([]models.StepResult(nil), s.Steps...), steps...)
	if syncStatus != "" {
		s.SyncStatus = syncStatus
	}
	r.snags[id] = s
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snags[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.snags, id)
	return nil
}

func (r *fakeRepo) stored(id string) models.Snag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySnag(r.snags[id])
}

func copySnag(s models.Snag) models.Snag {
	s.Notes = append([]models.Note{}, s.Notes...)
	s.Steps = append([]models.StepResult(nil), s.Steps...)
	return s
}

type fakeMirror struct {
	mu   sync.Mutex
	rows map[string][][]any
	err  error
}

func newFakeMirror() *fakeMirror { return &fakeMirror{rows: map[string][][]any{}} }

func (m *fakeMirror) AppendRow(ctx context.Context, worksheet string, values []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.rows[worksheet] = append(m.rows[worksheet], values)
	return nil
}

func (m *fakeMirror) count(worksheet string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[worksheet])
}

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	shareErr error
	removed  []string
}

func newFakeObjects() *fakeObjects { return &fakeObjects{blobs: map[string][]byte{}} }

func (o *fakeObjects) EnsureFolderPath(_ context.Context, segments []string) (objectstore.Folder, error) {
	return objectstore.Folder{ID: fmt.Sprint(segments), Path: segments}, nil
}

func (o *fakeObjects) UploadBlob(_ context.Context, folder objectstore.Folder, filename string, data []byte, _ string) (objectstore.File, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := fmt.Sprintf("file-%d", len(o.blobs)+1)
	o.blobs[id] = data
	return objectstore.File{ID: id, Name: filename, Folder: folder}, nil
}

func (o *fakeObjects) MakePubliclyReadable(_ context.Context, f objectstore.File) (string, error) {
	if o.shareErr != nil {
		return "", o.shareErr
	}
	return "https://objects.test/" + f.ID + "/" + f.Name, nil
}

func (o *fakeObjects) Remove(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
	delete(o.blobs, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Snag
	err  error
}

func (n *fakeNotifier) NotifySubmitted(ctx context.Context, s models.Snag) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, s)
	return nil
}

type fakeThrottle struct {
	allow bool
	err   error
}

func (t fakeThrottle) Allow(context.Context, string) (bool, error) { return t.allow, t.err }

type staticReader map[string][][]string

func (r staticReader) ReadWorksheet(_ context.Context, name string) ([][]string, error) {
	return r[name], nil
}

type harness struct {
	svc      *Service
	repo     *fakeRepo
	mirror   *fakeMirror
	objects  *fakeObjects
	notifier *fakeNotifier
	ledger   *ledger.Ledger
	logs     *logtest.Hook
	clock    time.Time
}

func newHarness(t *testing.T, opts ...func(*Deps, *Options)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log, hook := logtest.NewNullLogger()
	h := &harness{
		repo:     newFakeRepo(),
		mirror:   newFakeMirror(),
		objects:  newFakeObjects(),
		notifier: &fakeNotifier{},
		ledger:   ledger.New(client, "test:mirror"),
		logs:     hook,
		clock:    time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC),
	}
	deps := Deps{
		Repo: h.repo,
		Lists: refcache.New(staticReader{
			"Categories": {{"Category"}, {"Safety"}, {"Electrical"}},
		}, time.Hour, log),
		Mirror:   h.mirror,
		Objects:  h.objects,
		Media:    media.NewPreparer(1<<20, 0),
		Notifier: h.notifier,
		Ledger:   h.ledger,
		Log:      log,
	}
	o := Options{StepTimeout: time.Second, Now: func() time.Time { return h.clock }}
	for _, fn := range opts {
		fn(&deps, &o)
	}
	h.svc = NewService(deps, o)
	return h
}

var (
	admin = Actor{ID: "admin-1", Name: "ops", Role: RoleAdmin}
	dana  = Actor{ID: "user-1", Name: "dana", Role: RoleUser}
	sam   = Actor{ID: "user-2", Name: "sam", Role: RoleUser}
)

func validInput() SubmitInput {
	return SubmitInput{
		ReporterName:  "Dana",
		ReporterEmail: "dana@example.com",
		StoreName:     "Leeds, 1 Briggate",
		StoreCode:     "LDS",
		ReportDate:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Title:         "Fire exit jammed",
		Category:      "Safety",
		Description:   "Bar will not release",
		Urgency:       "Critical",
	}
}

// submitted creates a snag owned by dana and returns it.
func (h *harness) submitted(t *testing.T) models.Snag {
	t.Helper()
	sn, err := h.svc.Submit(context.Background(), dana, validInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sn
}
