// Package app assembles the snag service from configuration. The API process and
// the admin CLI share it.
package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"snag-tracker/internal/config"
	"snag-tracker/internal/ledger"
	"snag-tracker/internal/media"
	"snag-tracker/internal/notify"
	"snag-tracker/internal/objectstore"
	"snag-tracker/internal/ratelimit"
	"snag-tracker/internal/refcache"
	"snag-tracker/internal/sheets"
	"snag-tracker/internal/snag"
	"snag-tracker/internal/store"
)

// App holds the wired collaborators. Redis and Ledger are nil without REDIS_ADDR.
type App struct {
	Config  config.Config
	Log     *logrus.Logger
	Store   *store.Store
	Sheets  sheets.Client
	Mirror  *sheets.Mirror
	Objects objectstore.Store
	Lists   *refcache.Cache
	Redis   *redis.Client
	Ledger  *ledger.Ledger
	Service *snag.Service
}

// Build connects to every configured backend. Optional integrations that are
// not configured are replaced by disabled implementations whose steps fail and
// get recorded rather than aborting startup.
func Build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.Store = st

	var google []option.ClientOption
	if cfg.SpreadsheetID != "" || cfg.ObjectStoreBackend == config.BackendDrive {
		scopes := append(append([]string{}, sheets.Scopes...), objectstore.DriveScopes...)
		creds, err := sheets.CredentialsOption(ctx, cfg.GoogleCredentialsFile, scopes...)
		if err != nil {
			a.Close()
			return nil, err
		}
		google = append(google, creds)
	}

	a.Sheets = sheets.Disabled{}
	if cfg.SpreadsheetID != "" {
		client, err := sheets.NewGoogleClient(ctx, cfg.SpreadsheetID, google...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Sheets = client
	} else {
		log.Warn("SPREADSHEET_ID not set; mirror appends will fail and reference lists use fallbacks")
	}

	a.Mirror = sheets.NewMirror(a.Sheets, sheets.MirrorHeaders())

	a.Objects, err = NewObjectStore(ctx, cfg, google...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Lists = refcache.New(a.Sheets, cfg.RefCacheTTL, log, refcache.WithFetchTimeout(cfg.ExternalTimeout))

	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !sender.IsConfigured() {
		log.Warn("SMTP not configured; notifications will be recorded as failed")
	}

	deps := snag.Deps{
		Repo:     st,
		Lists:    a.Lists,
		Mirror:   a.Mirror,
		Objects:  a.Objects,
		Media:    media.NewPreparer(cfg.MediaMaxBytes, cfg.MediaMaxWidth),
		Notifier: notify.New(sender, cfg.SMTPFromName),
		Log:      log,
	}
	if cfg.RedisAddr != "" {
		a.Redis = ledger.NewRedisClient(cfg)
		a.Ledger = ledger.New(a.Redis, cfg.LedgerKey)
		deps.Ledger = a.Ledger
		if throttle := ratelimit.NewSubmissionThrottle(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill); throttle != nil {
			deps.Throttle = throttle
		}
	} else {
		log.Warn("REDIS_ADDR not set; unresolved mirror appends are only visible on the snag record")
	}

	a.Service = snag.NewService(deps, snag.Options{
		StepTimeout:       cfg.ExternalTimeout,
		MirrorCorrections: cfg.MirrorCorrections,
		Location:          cfg.Location(),
	})
	return a, nil
}

// NewObjectStore builds the configured media backend.
func NewObjectStore(ctx context.Context, cfg config.Config, google ...option.ClientOption) (objectstore.Store, error) {
	switch cfg.ObjectStoreBackend {
	case config.BackendDrive:
		return objectstore.NewDrive(ctx, cfg.DriveRootFolderID, google...)
	case config.BackendS3:
		return objectstore.NewS3(ctx, objectstore.S3Options{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PathStyle:     cfg.S3PathStyle,
			PublicBaseURL: cfg.ObjectStorePublicURL,
			LinkTTL:       cfg.ObjectStoreLinkTTL,
		})
	case config.BackendLocal:
		return objectstore.NewLocal(cfg.ObjectStoreRoot, cfg.ObjectStorePublicURL), nil
	}
	return nil, errors.Errorf("unknown object store backend %q", cfg.ObjectStoreBackend)
}

// PrepareMirror creates the mirror worksheets when missing. Failures are logged;
// appends retry the preparation until it succeeds.
func (a *App) PrepareMirror(ctx context.Context) {
	worksheets := []string{sheets.SnagsWorksheet}
	if a.Config.MirrorCorrections {
		worksheets = append(worksheets, sheets.CorrectionsWorksheet)
	}
	err := a.Mirror.Prepare(ctx, worksheets...)
	switch {
	case err == nil, errors.Is(err, sheets.ErrNotConfigured):
	default:
		a.Log.WithError(err).Warn("could not prepare mirror worksheets")
	}
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
