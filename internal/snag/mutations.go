package snag

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"snag-tracker/internal/models"
	"snag-tracker/internal/sheets"
	"snag-tracker/internal/store"
	"snag-tracker/internal/telemetry"
)

// maxTransitionAttempts bounds re-reads after losing a status compare-and-set.
const maxTransitionAttempts = 3

// maxNoteLength is counted in characters, not bytes.
const maxNoteLength = 4000

// maxCost is the first value that does not fit NUMERIC(12,2).
var maxCost = decimal.New(1, 10)

// UpdateStatus moves a snag along the status machine. Setting the current status
// again is a no-op. Every entry into Resolved stamps who resolved it and when;
// reopening keeps that stamp.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, id, status string) (models.Snag, error) {
	to, err := models.ParseStatus(status)
	if err != nil {
		return models.Snag{}, failWith(CodeInvalidInput, err, "unknown status %q", status)
	}

	for attempt := 1; ; attempt++ {
		sn, err := s.load(ctx, id)
		if err != nil {
			return models.Snag{}, err
		}
		if !actor.canModify(sn) {
			return models.Snag{}, fail(CodeForbidden, "snag %s belongs to another user", sn.Identifier)
		}
		if sn.Status == to {
			return sn, nil
		}
		if !models.CanTransition(sn.Status, to) {
			return models.Snag{}, fail(CodeInvalidTransition, "cannot move %s from %s to %s", sn.Identifier, sn.Status, to)
		}

		updated, err := s.Repo.TransitionStatus(ctx, id, sn.Status, to, actor.Name, s.now())
		if errors.Is(err, store.ErrConflict) {
			telemetry.MutationConflicts.Inc()
			if attempt < maxTransitionAttempts {
				continue
			}
			return models.Snag{}, failWith(CodeConflict, err, "snag %s is being changed by someone else", sn.Identifier)
		}
		if err != nil {
			return models.Snag{}, storageFailure(err, "update status of %s", sn.Identifier)
		}

		s.Log.WithFields(logrus.Fields{"snag": sn.Identifier, "from": sn.Status, "to": to, "actor": actor.Name}).Info("status updated")
		return s.correct(ctx, actor, updated, fmt.Sprintf("status: %s -> %s", sn.Status, to)), nil
	}
}

// UpdateCost sets the latest cost and payment status. Admin only, and only once
// work has started.
func (s *Service) UpdateCost(ctx context.Context, actor Actor, id string, amount decimal.Decimal, payment string) (models.Snag, error) {
	if !actor.IsAdmin() {
		return models.Snag{}, fail(CodeForbidden, "only admins may record costs")
	}
	if amount.IsNegative() {
		return models.Snag{}, fail(CodeInvalidCost, "cost %s is negative", amount.String())
	}
	if !amount.Equal(amount.Round(2)) {
		return models.Snag{}, fail(CodeInvalidCost, "cost %s has more than two decimal places", amount.String())
	}
	if amount.GreaterThanOrEqual(maxCost) {
		return models.Snag{}, fail(CodeInvalidCost, "cost %s is too large", amount.String())
	}
	ps, err := models.ParsePaymentStatus(payment)
	if err != nil {
		return models.Snag{}, failWith(CodeInvalidInput, err, "unknown payment status %q", payment)
	}

	sn, err := s.load(ctx, id)
	if err != nil {
		return models.Snag{}, err
	}
	if !sn.Status.AtLeast(models.StatusInProgress) {
		return models.Snag{}, fail(CodeInvalidState, "snag %s is %s; costs are recorded once work is in progress", sn.Identifier, sn.Status)
	}

	updated, err := s.Repo.UpdateCost(ctx, id, amount, ps)
	if err != nil {
		return models.Snag{}, storageFailure(err, "update cost of %s", sn.Identifier)
	}
	s.Log.WithFields(logrus.Fields{"snag": sn.Identifier, "cost": amount.StringFixed(2), "payment": ps, "actor": actor.Name}).Info("cost updated")
	return s.correct(ctx, actor, updated, fmt.Sprintf("cost: %s %s", amount.StringFixed(2), ps)), nil
}

// AddNote appends a note. A zero at means now.
func (s *Service) AddNote(ctx context.Context, actor Actor, id, text string, at time.Time) (models.Snag, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Snag{}, fail(CodeInvalidInput, "note is empty")
	}
	if utf8.RuneCountInString(text) > maxNoteLength {
		return models.Snag{}, fail(CodeInvalidInput, "note is longer than 4000 characters")
	}
	sn, err := s.load(ctx, id)
	if err != nil {
		return models.Snag{}, err
	}
	if !actor.canModify(sn) {
		return models.Snag{}, fail(CodeForbidden, "snag %s belongs to another user", sn.Identifier)
	}
	if at.IsZero() {
		at = s.now()
	}
	author := actor.Name
	if author == "" {
		author = actor.ID
	}
	updated, err := s.Repo.AppendNote(ctx, id, models.Note{Author: author, Text: text, CreatedAt: at})
	if err != nil {
		return models.Snag{}, storageFailure(err, "add note to %s", sn.Identifier)
	}
	return updated, nil
}

// Delete removes a snag. Admin only. Its media is removed best effort; mirror
// rows are left in place.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	if !actor.IsAdmin() {
		return fail(CodeForbidden, "only admins may delete snags")
	}
	sn, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return storageFailure(err, "delete %s", sn.Identifier)
	}
	ctx = context.WithoutCancel(ctx)
	log := s.Log.WithFields(logrus.Fields{"snag": sn.Identifier, "actor": actor.Name})
	if sn.MediaFileID != nil {
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.Objects.Remove(ctx, *sn.MediaFileID)
		})
		r := record(okOrFailed(models.StepRevokeMedia, err, s.now()))
		if r.Outcome != models.OutcomeOK {
			log.WithError(err).Warn("could not remove media of deleted snag")
		}
	}
	if s.Ledger != nil {
		if err := s.Ledger.Remove(ctx, id); err != nil {
			log.WithError(err).Warn("could not clear mirror ledger entry")
		}
	}
	log.Info("snag deleted")
	return nil
}

// ResyncMirror appends the snag's current row to the mirror again. It is an
// explicit operator action: an unresolved earlier append may have landed, in
// which case the mirror ends up with two rows for the snag.
func (s *Service) ResyncMirror(ctx context.Context, actor Actor, id string) (models.Snag, error) {
	if !actor.IsAdmin() {
		return models.Snag{}, fail(CodeForbidden, "only admins may resync the mirror")
	}
	sn, err := s.load(ctx, id)
	if err != nil {
		return models.Snag{}, err
	}
	ctx = context.WithoutCancel(ctx)

	appendErr := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.Mirror.AppendRow(ctx, sheets.SnagsWorksheet, sheets.SnagRow(sn))
	})
	r := record(mirrorOutcome(models.StepMirrorResync, appendErr, s.now()))
	sn.Steps = append(sn.Steps, r)
	sn.SyncStatus = syncStatusFor(r.Outcome)

	log := s.Log.WithFields(logrus.Fields{"snag": sn.Identifier, "actor": actor.Name, "outcome": r.Outcome})
	if err := s.Repo.AppendSteps(ctx, id, sn.SyncStatus, r); err != nil {
		log.WithError(err).Error("saving resync outcome failed")
	}
	if r.Outcome == models.OutcomeOK {
		if s.Ledger != nil {
			if err := s.Ledger.Remove(ctx, id); err != nil {
				log.WithError(err).Warn("could not clear mirror ledger entry")
			}
		}
		log.Info("mirror resynced")
		return sn, nil
	}
	log.WithError(appendErr).Warn("mirror resync did not land")
	s.recordLedger(ctx, log, sn, r)
	return sn, nil
}

// correct appends the changed snag to the corrections worksheet when enabled.
// Its outcome is recorded on the snag and never fails the mutation.
func (s *Service) correct(ctx context.Context, actor Actor, sn models.Snag, change string) models.Snag {
	if !s.opts.MirrorCorrections {
		return sn
	}
	ctx = context.WithoutCancel(ctx)
	at := s.now()
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.Mirror.AppendRow(ctx, sheets.CorrectionsWorksheet, sheets.CorrectionRow(sn, actor.Name, change, at))
	})
	r := record(mirrorOutcome(models.StepMirrorCorrection, err, at))
	sn.Steps = append(sn.Steps, r)
	log := s.Log.WithFields(logrus.Fields{"snag": sn.Identifier, "outcome": r.Outcome})
	if r.Outcome != models.OutcomeOK {
		log.WithError(err).Warn("mirror correction did not land")
	}
	if err := s.Repo.AppendSteps(ctx, sn.ID, "", r); err != nil {
		log.WithError(err).Error("saving correction outcome failed")
	}
	return sn
}
