package snag

import (
	"context"
	"strings"
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
	"snag-tracker/internal/sheets"
	"snag-tracker/internal/telemetry"
)

// SubmitInput is a new snag report.
type SubmitInput struct {
	ReporterName  string        `validate:"required,max=100"`
	ReporterEmail string        `validate:"required,email,max=120"`
	StoreName     string        `validate:"required,max=200"`
	StoreCode     string        `validate:"max=50"`
	ReportDate    time.Time     `validate:"required"`
	Title         string        `validate:"required,max=200"`
	Category      string        `validate:"required,max=50"`
	Description   string        `validate:"required"`
	Urgency       string        `validate:"required"`
	Attachment    *media.Upload `validate:"-"`
}

func (in *SubmitInput) trim() {
	for _, f := range []*string{&in.ReporterName, &in.ReporterEmail, &in.StoreName, &in.StoreCode, &in.Title, &in.Category, &in.Description, &in.Urgency} {
		*f = strings.TrimSpace(*f)
	}
}

// canonicalCategory returns the reference list's spelling of category when it
// matches case-insensitively. Unlisted categories are kept as entered.
func (s *Service) canonicalCategory(ctx context.Context, category string) string {
	for _, v := range s.Lists.Get(ctx, refcache.KeyCategories).Values() {
		if strings.EqualFold(v, category) {
			return v
		}
	}
	return category
}

// Submit runs the submission saga:
// identifier, media upload, persist, mirror append, notify.
// Only identifier and persist failures fail the submission; the other steps
// degrade and their outcomes are recorded on the snag.
func (s *Service) Submit(ctx context.Context, actor Actor, in SubmitInput) (models.Snag, error) {
	in.trim()
	urgency, err := s.checkInput(in)
	if err != nil {
		telemetry.Submissions.WithLabelValues("rejected").Inc()
		return models.Snag{}, err
	}
	if err := s.throttle(ctx, in.ReporterEmail); err != nil {
		telemetry.Submissions.WithLabelValues("rate_limited").Inc()
		return models.Snag{}, err
	}
	in.Category = s.canonicalCategory(ctx, in.Category)

	now := s.now()
	log := s.Log.WithFields(logrus.Fields{"reporter": in.ReporterEmail, "actor": actor.ID})

	identifier, err := s.Repo.NextIdentifier(ctx, models.DayOf(now.In(s.opts.Location)))
	if err != nil {
		telemetry.Submissions.WithLabelValues("error").Inc()
		log.WithError(err).Error("identifier allocation failed")
		return models.Snag{}, failWith(CodeStorage, err, "allocate identifier")
	}
	steps := []models.StepResult{record(identifierOutcome(nil, now))}
	log = log.WithField("snag", identifier)

	sn := models.Snag{
		Identifier:    identifier,
		CreatedAt:     now,
		UpdatedAt:     now,
		ReporterName:  in.ReporterName,
		ReporterEmail: in.ReporterEmail,
		StoreName:     in.StoreName,
		StoreCode:     in.StoreCode,
		ReportDate:    in.ReportDate,
		Title:         in.Title,
		Category:      in.Category,
		Description:   in.Description,
		Urgency:       urgency,
		Score:         urgency.Score(),
		Status:        models.StatusPending,
		Cost:          decimal.Zero,
		PaymentStatus: models.PaymentUnpaid,
		MediaStatus:   models.MediaNone,
		SyncStatus:    models.SyncPending,
		Notes:         []models.Note{},
		OwnerID:       actor.ID,
	}

	var uploaded *objectstore.File
	if in.Attachment == nil {
		steps = append(steps, record(mediaOutcome(nil, false, s.now())))
	} else {
		file, link, err := s.uploadMedia(ctx, identifier, now, *in.Attachment)
		steps = append(steps, record(mediaOutcome(err, true, s.now())))
		if err != nil {
			log.WithError(err).Warn("media upload failed, continuing without attachment")
			sn.MediaStatus = models.MediaFailed
		} else {
			uploaded = &file
			sn.MediaStatus = models.MediaAttached
			sn.MediaLink = &link
			sn.MediaFileID = &file.ID
		}
	}

	sn.Steps = append(steps, models.StepResult{Step: models.StepPersist, Outcome: models.OutcomeOK, At: s.now()})
	created, err := s.Repo.Create(ctx, sn)
	if err != nil {
		record(persistOutcome(err, s.now()))
		telemetry.Submissions.WithLabelValues("error").Inc()
		log.WithError(err).Error("persist failed, submission aborted")
		if uploaded != nil {
			s.removeOrphan(ctx, log, uploaded.ID)
		}
		return models.Snag{}, failWith(CodeStorage, err, "persist snag %s", identifier)
	}
	sn = created
	telemetry.StepOutcomes.WithLabelValues(models.StepPersist, models.OutcomeOK).Inc()

	// The snag is durable; a caller going away must not cut the remaining steps
	// short or lose their outcomes. Each step keeps its own timeout.
	ctx = context.WithoutCancel(ctx)

	mirrorErr := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.Mirror.AppendRow(ctx, sheets.SnagsWorksheet, sheets.SnagRow(sn))
	})
	mirrored := record(mirrorOutcome(models.StepSyncMirror, mirrorErr, s.now()))
	sn.Steps = append(sn.Steps, mirrored)
	sn.SyncStatus = syncStatusFor(mirrored.Outcome)
	if mirrored.Outcome != models.OutcomeOK {
		log.WithError(mirrorErr).WithField("outcome", mirrored.Outcome).Warn("mirror append did not land")
		s.recordLedger(ctx, log, sn, mirrored)
	}

	notifyErr := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.Notifier.NotifySubmitted(ctx, sn)
	})
	notified := record(notifyOutcome(notifyErr, s.now()))
	sn.Steps = append(sn.Steps, notified)
	if notified.Outcome == models.OutcomeOK {
		at := notified.At
		sn.EmailSent, sn.EmailSentAt = true, &at
	} else {
		log.WithError(notifyErr).Warn("notification not sent")
	}

	err = s.Repo.SaveOutcomes(ctx, sn.ID, models.Outcomes{
		SyncStatus:  sn.SyncStatus,
		EmailSent:   sn.EmailSent,
		EmailSentAt: sn.EmailSentAt,
		Steps:       sn.Steps,
	})
	if err != nil {
		log.WithError(err).Error("saving step outcomes failed; snag is persisted")
	}

	telemetry.Submissions.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"media":  sn.MediaStatus,
		"sync":   sn.SyncStatus,
		"email":  sn.EmailSent,
		"urgent": sn.Urgency == models.UrgencyCritical,
	}).Info("snag submitted")
	return sn, nil
}

func (s *Service) checkInput(in SubmitInput) (models.Urgency, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return "", &Failure{Code: CodeInvalidInput, Message: "submission has invalid fields", Fields: fields, cause: err}
		}
		return "", failWith(CodeInvalidInput, err, "invalid submission")
	}
	urgency, err := models.ParseUrgency(in.Urgency)
	if err != nil {
		return "", &Failure{Code: CodeInvalidInput, Message: "unknown urgency level", Fields: map[string]string{"Urgency": "oneof"}, cause: err}
	}
	return urgency, nil
}

func (s *Service) throttle(ctx context.Context, reporter string) error {
	if s.Throttle == nil {
		return nil
	}
	ok, err := s.Throttle.Allow(ctx, reporter)
	if err != nil {
		s.Log.WithError(err).Warn("submission throttle unavailable, allowing")
		return nil
	}
	if !ok {
		telemetry.RateLimitRejects.Inc()
		return fail(CodeRateLimited, "too many submissions from %s, try again shortly", reporter)
	}
	return nil
}

func (s *Service) uploadMedia(ctx context.Context, identifier string, at time.Time, u media.Upload) (objectstore.File, string, error) {
	prepared, err := s.Media.Prepare(u)
	if err != nil {
		return objectstore.File{}, "", errors.Wrap(err, "prepare")
	}
	var folder objectstore.Folder
	err = s.withTimeout(ctx, func(ctx context.Context) (err error) {
		folder, err = s.Objects.EnsureFolderPath(ctx, objectstore.SnagFolder(at.In(s.opts.Location)))
		return err
	})
	if err != nil {
		return objectstore.File{}, "", errors.Wrap(err, "ensure folder")
	}
	var file objectstore.File
	err = s.withTimeout(ctx, func(ctx context.Context) (err error) {
		file, err = s.Objects.UploadBlob(ctx, folder, objectstore.SnagFilename(identifier, prepared.Filename), prepared.Data, prepared.MimeType)
		return err
	})
	if err != nil {
		return objectstore.File{}, "", errors.Wrap(err, "upload")
	}
	var link string
	err = s.withTimeout(ctx, func(ctx context.Context) (err error) {
		link, err = s.Objects.MakePubliclyReadable(ctx, file)
		return err
	})
	if err != nil {
		// Without a link the blob is unreachable from the record.
		s.removeOrphan(ctx, s.Log.WithField("snag", identifier), file.ID)
		return objectstore.File{}, "", errors.Wrap(err, "share")
	}
	return file, link, nil
}

func (s *Service) removeOrphan(ctx context.Context, log logrus.FieldLogger, fileID string) {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.Objects.Remove(ctx, fileID)
	})
	if err != nil {
		log.WithError(err).WithField("file", fileID).Warn("could not remove orphaned media")
	}
}

func (s *Service) recordLedger(ctx context.Context, log logrus.FieldLogger, sn models.Snag, r models.StepResult) {
	if s.Ledger == nil {
		return
	}
	err := s.Ledger.Record(ctx, ledger.Entry{
		SnagID:     sn.ID,
		Identifier: sn.Identifier,
		Step:       r.Step,
		Outcome:    r.Outcome,
		Detail:     r.Detail,
		At:         r.At,
	})
	if err != nil {
		log.WithError(err).Error("could not record snag in mirror ledger")
	}
}

// record counts a step outcome and passes it through.
func record(r models.StepResult) models.StepResult {
	telemetry.StepOutcomes.WithLabelValues(r.Step, r.Outcome).Inc()
	return r
}

func identifierOutcome(err error, at time.Time) models.StepResult {
	return okOrFailed(models.StepGenerateIdentifier, err, at)
}

func mediaOutcome(err error, attempted bool, at time.Time) models.StepResult {
	if !attempted {
		return models.StepResult{Step: models.StepUploadMedia, Outcome: models.OutcomeSkipped, Detail: "no attachment", At: at}
	}
	return okOrFailed(models.StepUploadMedia, err, at)
}

func persistOutcome(err error, at time.Time) models.StepResult {
	return okOrFailed(models.StepPersist, err, at)
}

// mirrorOutcome separates rejections the spreadsheet definitely refused from
// outcomes where the row may or may not have landed.
func mirrorOutcome(step string, err error, at time.Time) models.StepResult {
	switch {
	case err == nil:
		return models.StepResult{Step: step, Outcome: models.OutcomeOK, At: at}
	case sheets.IsDefiniteRejection(err):
		return models.StepResult{Step: step, Outcome: models.OutcomeFailed, Detail: err.Error(), At: at}
	default:
		return models.StepResult{Step: step, Outcome: models.OutcomeUnresolved, Detail: err.Error(), At: at}
	}
}

func notifyOutcome(err error, at time.Time) models.StepResult {
	return okOrFailed(models.StepNotify, err, at)
}

func okOrFailed(step string, err error, at time.Time) models.StepResult {
	if err != nil {
		return models.StepResult{Step: step, Outcome: models.OutcomeFailed, Detail: err.Error(), At: at}
	}
	return models.StepResult{Step: step, Outcome: models.OutcomeOK, At: at}
}

func syncStatusFor(outcome string) string {
	switch outcome {
	case models.OutcomeOK:
		return models.SyncSynced
	case models.OutcomeFailed:
		return models.SyncFailed
	default:
		return models.SyncUnresolved
	}
}
