package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"voxscribe-service/internal/apperrors"
	"voxscribe-service/internal/models"
	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/service/transcription"
)

const (
	// multipartSlack covers boundaries and the small form fields sent
	// alongside the file.
	multipartSlack = 1 << 20
	// formMemory is how much of the form is buffered in memory; larger
	// files spill to disk.
	formMemory = 8 << 20
)

type handler struct {
	cfg  Config
	deps Deps
}

func (h *handler) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.RootResponse{
		Message: "Welcome to the VoxScribe API, powered by Whisper speech recognition models",
		Version: Version,
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	stats := h.deps.Pool.Stats()
	status := models.StatusOK
	if h.deps.Draining() {
		status = models.StatusDraining
	}
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:                   status,
		ResidentModelIdentifiers: h.deps.Models.Resident(),
		WorkerPoolSize:           stats.Size,
		Queued:                   stats.Queued,
		InFlight:                 stats.InFlight,
		Device:                   h.deps.Models.Device(),
		CacheEnabled:             h.deps.Models.CacheEnabled(),
	})
}

func (h *handler) listModels(w http.ResponseWriter, _ *http.Request) {
	available := h.deps.Models.Available()
	device := h.deps.Models.Device()
	infos := make([]models.ModelInfo, 0, len(available))
	for _, id := range available {
		infos = append(infos, models.ModelInfo{
			Identifier: id,
			Resident:   h.deps.Models.IsResident(id),
			Device:     device,
		})
	}
	writeJSON(w, http.StatusOK, models.ModelsResponse{Models: infos, Default: h.cfg.DefaultModel})
}

func (h *handler) transcribe(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.MaxFileSize + multipartSlack
	if h.cfg.MaxFileSize > 0 && r.ContentLength > limit {
		h.reject(w, r, apperrors.PayloadTooLarge(r.ContentLength, h.cfg.MaxFileSize))
		return
	}
	if h.cfg.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if err := r.ParseMultipartForm(formMemory); err != nil {
		h.reject(w, r, h.formError(r, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	returnSegments, err := parseFormBool(firstValue(r, "return_segments", "returnSegments"))
	if err != nil {
		h.reject(w, r, apperrors.InvalidInput("return_segments", err.Error()))
		return
	}

	req := transcription.Request{
		Size:           -1,
		Model:          strings.TrimSpace(r.FormValue("model")),
		Language:       strings.TrimSpace(r.FormValue("language")),
		Task:           strings.TrimSpace(r.FormValue("task")),
		ReturnSegments: returnSegments,
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.Audio = file
		req.Filename = header.Filename
		req.Size = header.Size
	case errors.Is(err, http.ErrMissingFile):
		// The service reports the missing file with the rest of validation.
	default:
		h.reject(w, r, apperrors.InvalidInput("file", err.Error()))
		return
	}

	resp, err := h.deps.Service.Transcribe(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// formError maps a multipart parsing failure.
func (h *handler) formError(r *http.Request, err error) *apperrors.Error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apperrors.PayloadTooLarge(max(r.ContentLength, tooLarge.Limit), h.cfg.MaxFileSize)
	case errors.Is(err, http.ErrNotMultipart):
		return apperrors.InvalidInput("body", "expected multipart/form-data")
	default:
		return apperrors.InvalidInput("body", err.Error())
	}
}

// reject writes an error for a request refused before reaching the service.
func (h *handler) reject(w http.ResponseWriter, r *http.Request, err *apperrors.Error) {
	h.cfg.Metrics.RecordRejected(string(err.Code))
	writeError(w, r, err)
}

func firstValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.FormValue(k); v != "" {
			return v
		}
	}
	return ""
}

// parseFormBool accepts the usual HTML form spellings of a boolean.
func parseFormBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return false, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%q is not a boolean", v)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.From(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		logger := logging.WithRequest(middleware.GetReqID(r.Context()))
		logger.Error().
			Err(err).
			Str("code", string(appErr.Code)).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	if appErr.Code == apperrors.CodeUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, appErr.HTTPStatus, models.ErrorBody{Error: models.ErrorDetail{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}
