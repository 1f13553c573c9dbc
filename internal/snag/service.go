// Package snag records maintenance snags: the submission saga that fans a report
// out to storage, the spreadsheet mirror, the object store and email, and the
// status, cost and note mutations that follow.
package snag

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"snag-tracker/internal/ledger"
	"snag-tracker/internal/media"
	"snag-tracker/internal/models"
	"snag-tracker/internal/objectstore"
	"snag-tracker/internal/refcache"
	"snag-tracker/internal/store"
)

// Repository is the system of record.
type Repository interface {
	NextIdentifier(ctx context.Context, day time.Time) (string, error)
	Create(ctx context.Context, s models.Snag) (models.Snag, error)
	Get(ctx context.Context, id string) (models.Snag, error)
	List(ctx context.Context, f models.Filter) ([]models.Snag, error)
	Stats(ctx context.Context, ownerID string) (models.Stats, error)
	SaveOutcomes(ctx context.Context, id string, o models.Outcomes) error
	TransitionStatus(ctx context.Context, id string, from, to models.Status, actor string, at time.Time) (models.Snag, error)
	UpdateCost(ctx context.Context, id string, amount decimal.Decimal, payment models.PaymentStatus) (models.Snag, error)
	AppendNote(ctx context.Context, id string, n models.Note) (models.Snag, error)
	AppendSteps(ctx context.Context, id string, syncStatus string, steps ...models.StepResult) error
	Delete(ctx context.Context, id string) error
}

// Mirror appends rows to the spreadsheet mirror.
type Mirror interface {
	AppendRow(ctx context.Context, worksheet string, values []any) error
}

// ReferenceLists is the read-through cache of stores, categories and urgency levels.
type ReferenceLists interface {
	Get(ctx context.Context, key refcache.Key) refcache.Result
	Invalidate(key refcache.Key)
	InvalidateAll()
}

// Notifier emails the reporter.
type Notifier interface {
	NotifySubmitted(ctx context.Context, s models.Snag) error
}

// Ledger queues snags whose mirror row needs operator attention.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) error
	Remove(ctx context.Context, snagID string) error
}

// Throttle limits submissions per reporter.
type Throttle interface {
	Allow(ctx context.Context, reporter string) (bool, error)
}

// Role of an authenticated caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// IsAdmin reports whether a has the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) canModify(s models.Snag) bool {
	return a.IsAdmin() || (a.ID != "" && a.ID == s.OwnerID)
}

// Deps are the collaborators of a Service. Ledger and Throttle may be nil.
type Deps struct {
	Repo     Repository
	Lists    ReferenceLists
	Mirror   Mirror
	Objects  objectstore.Store
	Media    *media.Preparer
	Notifier Notifier
	Ledger   Ledger
	Throttle Throttle
	Log      logrus.FieldLogger
}

// Options tune a Service.
type Options struct {
	// StepTimeout bounds each call to an external system.
	StepTimeout time.Duration
	// MirrorCorrections appends a row to the corrections worksheet after status and cost changes.
	MirrorCorrections bool
	// Location decides which calendar day an identifier belongs to.
	Location *time.Location
	Now      func() time.Time
}

// Service is the exposed interface of the snag core.
type Service struct {
	Deps
	opts     Options
	validate *validator.Validate
}

// NewService wires a Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Media == nil {
		deps.Media = media.NewPreparer(0, 0)
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Service{Deps: deps, opts: opts, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

// withTimeout runs fn under the per-step deadline.
func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	return fn(ctx)
}

// Get returns one snag. Non-admins only see their own.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (models.Snag, error) {
	sn, err := s.load(ctx, id)
	if err != nil {
		return models.Snag{}, err
	}
	if !actor.canModify(sn) {
		return models.Snag{}, fail(CodeForbidden, "snag %s belongs to another user", sn.Identifier)
	}
	return sn, nil
}

// List returns snags matching f, newest first. Non-admins only see their own.
func (s *Service) List(ctx context.Context, actor Actor, f models.Filter) ([]models.Snag, error) {
	if !actor.IsAdmin() {
		f.OwnerID = actor.ID
	}
	out, err := s.Repo.List(ctx, f)
	if err != nil {
		return nil, failWith(CodeStorage, err, "list snags")
	}
	return out, nil
}

// Stats summarises the snags visible to actor.
func (s *Service) Stats(ctx context.Context, actor Actor) (models.Stats, error) {
	owner := ""
	if !actor.IsAdmin() {
		owner = actor.ID
	}
	st, err := s.Repo.Stats(ctx, owner)
	if err != nil {
		return models.Stats{}, failWith(CodeStorage, err, "snag stats")
	}
	return st, nil
}

// ListCached returns a reference list through the cache.
func (s *Service) ListCached(ctx context.Context, key string) (refcache.Result, error) {
	k, err := refcache.ParseKey(key)
	if err != nil {
		return refcache.Result{}, failWith(CodeInvalidInput, err, "unknown reference list %q", key)
	}
	return s.Lists.Get(ctx, k), nil
}

// InvalidateCache drops one reference list, or all of them when key is "all" or empty.
func (s *Service) InvalidateCache(actor Actor, key string) error {
	if !actor.IsAdmin() {
		return fail(CodeForbidden, "only admins may clear the reference cache")
	}
	if key == "" || key == "all" {
		s.Lists.InvalidateAll()
		s.Log.WithField("actor", actor.Name).Info("reference cache cleared")
		return nil
	}
	k, err := refcache.ParseKey(key)
	if err != nil {
		return failWith(CodeInvalidInput, err, "unknown reference list %q", key)
	}
	s.Lists.Invalidate(k)
	s.Log.WithFields(logrus.Fields{"actor": actor.Name, "list": k}).Info("reference list invalidated")
	return nil
}

func (s *Service) load(ctx context.Context, id string) (models.Snag, error) {
	sn, err := s.Repo.Get(ctx, id)
	if err != nil {
		return models.Snag{}, storageFailure(err, "load snag %s", id)
	}
	return sn, nil
}

func storageFailure(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return failWith(CodeNotFound, err, format, args...)
	}
	return failWith(CodeStorage, err, format, args...)
}
