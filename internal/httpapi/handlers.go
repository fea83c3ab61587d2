package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/report"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/service"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

const maxBodyBytes = 1 << 20

type healthResponse struct {
	Status           string     `json:"status"`
	NextRetentionRun *time.Time `json:"next_retention_run,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.retention != nil {
		if info, err := s.retention.NextRun(time.Now()); err == nil {
			resp.NextRetentionRun = &info.Next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitJobRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.orch.SubmitJob(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusCreated, submitJobResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	list, err := s.orch.ListJobs(r.Context(), service.ListJobsRequest{
		Owner:  q.Get("owner"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	details, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

type controlRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleControlJob(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.orch.ControlJob(r.Context(), chi.URLParam(r, "id"), req.Action)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	name, err := s.orch.ExportReport(r.Context(), chi.URLParam(r, "id"), &buf)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn("Failed to write report %s: %v", name, err)
	}
}

func (s *Server) handleGetJobDefaults(w http.ResponseWriter, r *http.Request) {
	if s.defaults == nil {
		writeError(w, http.StatusNotImplemented, "job defaults are not configurable")
		return
	}
	writeJSON(w, http.StatusOK, s.defaults.JobDefaults())
}

// handleUpdateJobDefaults decodes the body over the current defaults, so
// omitted fields keep their values.
func (s *Server) handleUpdateJobDefaults(w http.ResponseWriter, r *http.Request) {
	if s.defaults == nil {
		writeError(w, http.StatusNotImplemented, "job defaults are not configurable")
		return
	}
	next := s.defaults.JobDefaults()
	if err := decodeJSON(r, &next, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.defaults.UpdateJobDefaults(next)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Info("Job defaults updated: language=%s unit_size=%d retries=%d", updated.Language, updated.TargetUnitSize, updated.MaxRetriesPerUnit)
	writeJSON(w, http.StatusOK, updated)
}

func decodeJSON(r *http.Request, dst any, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func statusFromError(err error) int {
	switch jobs.TypeOf(err) {
	case jobs.ErrJobNotFound:
		return http.StatusNotFound
	case jobs.ErrInvalidTransition, jobs.ErrVersionConflict:
		return http.StatusConflict
	case jobs.ErrValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
