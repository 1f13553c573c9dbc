package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"snag-tracker/internal/media"
	"snag-tracker/internal/models"
	"snag-tracker/internal/refcache"
	"snag-tracker/internal/snag"
	"snag-tracker/internal/telemetry"
)

// Service is the snag core as seen by the HTTP layer.
type Service interface {
	Submit(ctx context.Context, actor snag.Actor, in snag.SubmitInput) (models.Snag, error)
	Get(ctx context.Context, actor snag.Actor, id string) (models.Snag, error)
	List(ctx context.Context, actor snag.Actor, f models.Filter) ([]models.Snag, error)
	Stats(ctx context.Context, actor snag.Actor) (models.Stats, error)
	UpdateStatus(ctx context.Context, actor snag.Actor, id, status string) (models.Snag, error)
	UpdateCost(ctx context.Context, actor snag.Actor, id string, amount decimal.Decimal, payment string) (models.Snag, error)
	AddNote(ctx context.Context, actor snag.Actor, id, text string, at time.Time) (models.Snag, error)
	Delete(ctx context.Context, actor snag.Actor, id string) error
	ResyncMirror(ctx context.Context, actor snag.Actor, id string) (models.Snag, error)
	ListCached(ctx context.Context, key string) (refcache.Result, error)
	InvalidateCache(actor snag.Actor, key string) error
}

// Server wires HTTP handlers for the snag API.
type Server struct {
	svc       Service
	log       logrus.FieldLogger
	maxUpload int64
}

// New constructs the API server. maxUpload is the attachment size limit.
func New(svc Service, log logrus.FieldLogger, maxUpload int64) *Server {
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &Server{svc: svc, log: log, maxUpload: maxUpload}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/reference/{key}", s.handleReference)

	r.Group(func(r chi.Router) {
		r.Use(requireActor)
		r.Post("/reference/invalidate", s.handleInvalidate)

		r.Post("/snags", s.handleSubmit)
		r.Get("/snags", s.handleList)
		r.Get("/snags/stats", s.handleStats)
		r.Get("/snags/{id}", s.handleGet)
		r.Delete("/snags/{id}", s.handleDelete)
		r.Post("/snags/{id}/status", s.handleStatus)
		r.Post("/snags/{id}/cost", s.handleCost)
		r.Post("/snags/{id}/notes", s.handleNote)
		r.Post("/snags/{id}/resync", s.handleResync)
	})
	return r
}

// Submission form fields.
const (
	fieldReporterName  = "name_of_area_manager"
	fieldReporterEmail = "email_address"
	fieldStoreName     = "store_name_address"
	fieldStoreCode     = "store_number_code"
	fieldReportDate    = "date_of_report"
	fieldTitle         = "snag_title"
	fieldCategory      = "snag_category"
	fieldDescription   = "describe_issue"
	fieldUrgency       = "urgency_level"
	fieldMedia         = "media_file"
)

// maxFieldBytes bounds each non-file form field.
const maxFieldBytes = 64 << 10

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// An oversized attachment is drained and reported on the snag; only bodies far
	// past the attachment limit are refused outright.
	r.Body = http.MaxBytesReader(w, r.Body, 4*s.maxUpload+1<<20)

	var (
		form       url.Values
		attachment *media.Upload
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		var err error
		form, attachment, err = s.readMultipart(r)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid multipart form")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid form")
			return
		}
		form = r.Form
	}

	in := snag.SubmitInput{
		ReporterName:  form.Get(fieldReporterName),
		ReporterEmail: form.Get(fieldReporterEmail),
		StoreName:     form.Get(fieldStoreName),
		StoreCode:     form.Get(fieldStoreCode),
		Title:         form.Get(fieldTitle),
		Category:      form.Get(fieldCategory),
		Description:   form.Get(fieldDescription),
		Urgency:       form.Get(fieldUrgency),
		Attachment:    attachment,
	}
	if v := strings.TrimSpace(form.Get(fieldReportDate)); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "date_of_report must be YYYY-MM-DD")
			return
		}
		in.ReportDate = d
	}

	sn, err := s.svc.Submit(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sn)
}

// readMultipart streams the form. At most maxUpload+1 bytes of the attachment
// are kept, so an oversized file still reaches the media step and is recorded
// there as too large; the remainder is discarded.
func (s *Server) readMultipart(r *http.Request) (url.Values, *media.Upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, err
	}
	form := url.Values{}
	var upload *media.Upload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return form, upload, nil
		}
		if err != nil {
			return nil, nil, err
		}
		name := part.FormName()
		switch {
		case name == fieldMedia && part.FileName() != "":
			data, err := io.ReadAll(io.LimitReader(part, s.maxUpload+1))
			if err == nil {
				_, err = io.Copy(io.Discard, part)
			}
			if err != nil {
				return nil, nil, errors.Wrap(err, "read attachment")
			}
			if len(data) > 0 && upload == nil {
				upload = &media.Upload{Filename: part.FileName(), Data: data}
			}
		case name != "":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				return nil, nil, errors.Wrapf(err, "read field %q", name)
			}
			if len(v) > maxFieldBytes {
				return nil, nil, errors.Errorf("field %q too long", name)
			}
			form.Add(name, string(v))
		}
		_ = part.Close()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	items, err := s.svc.List(r.Context(), actorFrom(r.Context()), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sn, err := s.svc.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	sn, err := s.svc.UpdateStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

type costRequest struct {
	Cost          decimal.Decimal `json:"cost"`
	PaymentStatus string          `json:"payment_status"`
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if !decode(w, r, &req) {
		return
	}
	sn, err := s.svc.UpdateCost(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Cost, req.PaymentStatus)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

type noteRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decode(w, r, &req) {
		return
	}
	sn, err := s.svc.AddNote(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Text, time.Time{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sn)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	sn, err := s.svc.ResyncMirror(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ListCached(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":        res.Key,
		"values":     res.Values(),
		"rows":       res.Rows,
		"fetched_at": res.FetchedAt,
		"stale":      res.Stale,
		"fallback":   res.Fallback,
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := s.svc.InvalidateCache(actorFrom(r.Context()), key); err != nil {
		s.fail(w, r, err)
		return
	}
	if key == "" {
		key = "all"
	}
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": key})
}

func filterFromQuery(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	f := models.Filter{
		Store:    strings.TrimSpace(q.Get("store")),
		Category: strings.TrimSpace(q.Get("category")),
	}
	if v := q.Get("urgency"); v != "" {
		u, err := models.ParseUrgency(v)
		if err != nil {
			return f, err
		}
		f.Urgency = u
	}
	if v := q.Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	for name, dst := range map[string]**time.Time{"date_from": &f.From, "date_to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, errors.Errorf("%s must be YYYY-MM-DD", name)
		}
		*dst = &d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid json")
		return false
	}
	return true
}

// fail maps a service error onto a response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var f *snag.Failure
	if !errors.As(err, &f) {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("unexpected error")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	code := statusFor(f.Code)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, code, f)
}

func statusFor(c snag.Code) int {
	switch c {
	case snag.CodeInvalidInput:
		return http.StatusBadRequest
	case snag.CodeInvalidTransition, snag.CodeInvalidCost, snag.CodeInvalidState:
		return http.StatusUnprocessableEntity
	case snag.CodeForbidden:
		return http.StatusForbidden
	case snag.CodeNotFound:
		return http.StatusNotFound
	case snag.CodeConflict:
		return http.StatusConflict
	case snag.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type actorKey struct{}

// requireActor reads the caller from headers set by the authenticating proxy.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "X-Actor-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFromRequest(r *http.Request) (snag.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if id == "" {
		return snag.Actor{}, false
	}
	actor := snag.Actor{ID: id, Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")), Role: snag.RoleUser}
	if actor.Name == "" {
		actor.Name = id
	}
	if strings.EqualFold(r.Header.Get("X-Actor-Role"), string(snag.RoleAdmin)) {
		actor.Role = snag.RoleAdmin
	}
	return actor, true
}

func actorFrom(ctx context.Context) snag.Actor {
	a, _ := ctx.Value(actorKey{}).(snag.Actor)
	return a
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"code": kind, "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
