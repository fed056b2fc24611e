// Package httpapi exposes the depot over an HTTP+JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacktea/depot/pkg/depot"
	"github.com/jacktea/depot/pkg/digest"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/server/middleware"
	"github.com/jacktea/depot/pkg/xerrors"
)

// fileView is the JSON shape of a record on the wire. The storage
// reference stays internal: clients address files by id, never by blob.
type fileView struct {
	ID          string             `json:"id"`
	Fingerprint digest.Fingerprint `json:"hash"`
	DisplayName string             `json:"filename"`
	Size        int64              `json:"size"`
	ContentType string             `json:"mimetype"`
	Description string             `json:"description"`
	UploadedAt  time.Time          `json:"uploadDate"`
}

func viewOf(record meta.FileRecord) fileView {
	return fileView{
		ID:          record.ID,
		Fingerprint: record.Fingerprint,
		DisplayName: record.DisplayName,
		Size:        record.Size,
		ContentType: record.ContentType,
		Description: record.Description,
		UploadedAt:  record.UploadedAt,
	}
}

func viewsOf(records []meta.FileRecord) []fileView {
	out := make([]fileView, 0, len(records))
	for _, record := range records {
		out = append(out, viewOf(record))
	}
	return out
}

// Server exposes a Depot over HTTP.
type Server struct {
	Depot *depot.Depot
	Log   *slog.Logger
	Opts  Options
}

// Options configure auth, rate limiting and request bounds.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MaxRequestBody bounds the whole multipart request. Zero disables
	// the outer bound; the depot still enforces its payload limit.
	MaxRequestBody int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

// Router builds the full handler including middleware.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/files", s.handleCollection)
	mux.HandleFunc("/files/", s.handleFile)
	return s.applyMiddleware(mux)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFiles(w, r)
	case http.MethodPost:
		s.uploadFile(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	id, suffix, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing file id", http.StatusBadRequest)
		return
	}
	switch {
	case suffix == "" && r.Method == http.MethodGet:
		s.downloadFile(w, r, id)
	case suffix == "" && r.Method == http.MethodDelete:
		s.deleteFile(w, r, id)
	case suffix == "info" && r.Method == http.MethodGet:
		s.fileInfo(w, r, id)
	case suffix == "" || suffix == "info":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if s.Opts.MaxRequestBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Opts.MaxRequestBody)
	}
	req, cleanup, err := s.uploadRequest(r)
	if err != nil {
		httpError(w, err)
		return
	}
	defer cleanup()

	result, err := s.Depot.Upload(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	switch result.Outcome {
	case depot.OutcomeCreated:
		writeJSON(w, http.StatusCreated, viewOf(result.Record))
	case depot.OutcomeDuplicate:
		writeJSON(w, http.StatusConflict, viewOf(result.Record))
	case depot.OutcomeReplaced:
		writeJSON(w, http.StatusOK, viewOf(result.Record))
	}
}

// uploadRequest accepts either a multipart form with a "file" part or a
// raw request body with the name in ?filename=.
func (s *Server) uploadRequest(r *http.Request) (depot.UploadRequest, func(), error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, header, err := s.formFile(r)
		if err != nil {
			return depot.UploadRequest{}, func() {}, err
		}
		return depot.UploadRequest{
			Body:        file,
			Filename:    header.Filename,
			Description: r.FormValue("description"),
			ContentType: header.Header.Get("Content-Type"),
			OnConflict:  conflictPolicy(r),
		}, func() { file.Close() }, nil
	}
	query := r.URL.Query()
	return depot.UploadRequest{
		Body:        r.Body,
		Filename:    query.Get("filename"),
		Description: query.Get("description"),
		ContentType: r.Header.Get("Content-Type"),
		OnConflict:  depot.Policy(query.Get("on_conflict")),
	}, func() {}, nil
}

func (s *Server) formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, nil, xerrors.Wrap(xerrors.KindTooLarge, "httpapi.upload", "file", err)
		}
		return nil, nil, xerrors.Wrap(xerrors.KindInvalid, "httpapi.upload", "file", err)
	}
	return file, header, nil
}

func conflictPolicy(r *http.Request) depot.Policy {
	raw := r.URL.Query().Get("on_conflict")
	if raw == "" {
		raw = r.FormValue("on_conflict")
	}
	return depot.Policy(raw)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	records, err := s.Depot.List(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(records))
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, id string) {
	record, rc, err := s.Depot.Get(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", record.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", record.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.DisplayName))
	w.Header().Set("X-Depot-Hash", string(record.Fingerprint))
	w.Header().Set("Last-Modified", record.UploadedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", fmt.Sprintf("%q", record.Fingerprint))
	if _, err := io.Copy(w, rc); err != nil && s.Log != nil {
		s.Log.Warn("download interrupted", "id", id, "error", err)
	}
}

func (s *Server) fileInfo(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.Depot.Stat(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(record))
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.Depot.Delete(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindTooLarge:
		status = http.StatusRequestEntityTooLarge
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindConflict:
		status = http.StatusConflict
	case xerrors.KindInconsistent:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := []middleware.HTTPMiddleware{
		middleware.Metrics(),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	}
	return middleware.Wrap(handler, chain...)
}
