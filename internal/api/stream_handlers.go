package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/uploads"
	"bitriver-relay/internal/youtube"
)

const (
	videoField    = "video"
	titleField    = "title"
	maxFieldBytes = 4 << 10
	// multipartOverhead allows for boundaries and the title field on top of
	// the media size cap.
	multipartOverhead = 1 << 20
)

var errMissingVideo = errors.New("no video file uploaded")

type startStreamResponse struct {
	Success      bool   `json:"success"`
	BroadcastURL string `json:"broadcast_url"`
	StreamID     string `json:"stream_id"`
}

type stopStreamResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type streamStatusResponse struct {
	IsStreaming bool   `json:"isStreaming"`
	State       string `json:"state,omitempty"`
}

type streamsResponse struct {
	Streams []session.Snapshot `json:"streams"`
}

type startForm struct {
	title string
	media uploads.Media
	saved bool
}

// StartStream accepts a multipart upload with a video part and a title, then
// runs the full pipeline and answers once the broadcast is live.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errorTypeAuth, "Authentication required")
		return
	}
	logger := logging.WithContext(r.Context(), h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxBytes()+multipartOverhead)
	form, err := h.readStartForm(r)
	if err != nil {
		if form.saved {
			h.discardUpload(r.Context(), form.media.Path)
		}
		h.writeUploadError(w, r, err)
		return
	}
	h.metrics.ObserveUpload("accepted")

	title := uploads.NormalizeTitle(form.title)
	if title == "" {
		h.discardUpload(r.Context(), form.media.Path)
		writeError(w, http.StatusBadRequest, errorTypeValidation, "title is required")
		return
	}

	// The pipeline outlives a disconnected client so that rollback always
	// completes; it is bounded by the pipeline timeout instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.pipelineTimeout)
	defer cancel()

	logger.Info("start stream requested", "title", title, "media", form.media.Name, "size", form.media.Size)
	result, err := h.streams.StartStream(ctx, broadcast.StartRequest{
		Title:     title,
		MediaPath: form.media.Path,
	}, h.tokenSource(sess))
	if err != nil {
		if errors.Is(err, broadcast.ErrInvalidRequest) {
			h.discardUpload(r.Context(), form.media.Path)
		}
		h.writeStreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startStreamResponse{
		Success:      true,
		BroadcastURL: result.BroadcastURL,
		StreamID:     result.StreamID,
	})
}

// readStartForm streams the multipart body. The video part is written
// straight to the upload store so large files are never buffered.
func (h *Handler) readStartForm(r *http.Request) (startForm, error) {
	var form startForm
	reader, err := r.MultipartReader()
	if err != nil {
		return form, fmt.Errorf("%w: %v", errMalformedForm, err)
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return form, wrapBodyError(err)
		}
		switch part.FormName() {
		case titleField:
			value, err := readField(part)
			if err != nil {
				return form, err
			}
			form.title = value
		case videoField:
			if form.saved {
				part.Close()
				return form, fmt.Errorf("%w: only one video may be uploaded", errMalformedForm)
			}
			media, err := h.uploads.Save(part, part.FileName(), part.Header.Get("Content-Type"))
			part.Close()
			if err != nil {
				return form, wrapBodyError(err)
			}
			form.media = media
			form.saved = true
		default:
			_, _ = io.Copy(io.Discard, part)
			part.Close()
		}
	}
	if !form.saved {
		return form, errMissingVideo
	}
	return form, nil
}

var errMalformedForm = errors.New("malformed multipart form")

func readField(part *multipart.Part) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", wrapBodyError(err)
	}
	if len(data) > maxFieldBytes {
		return "", fmt.Errorf("%w: field %q too long", errMalformedForm, part.FormName())
	}
	return string(data), nil
}

// wrapBodyError maps an exceeded request body limit onto the upload size
// error.
func wrapBodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: %v", uploads.ErrTooLarge, err)
	}
	return err
}

func (h *Handler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.WithContext(r.Context(), h.logger)
	switch {
	case errors.Is(err, uploads.ErrTooLarge):
		h.metrics.ObserveUpload("too_large")
		writeError(w, http.StatusRequestEntityTooLarge, errorTypeValidation,
			fmt.Sprintf("File size too large. Maximum size is %dMB", h.uploads.MaxBytes()>>20))
	case errors.Is(err, uploads.ErrUnsupportedType):
		h.metrics.ObserveUpload("unsupported_type")
		writeError(w, http.StatusUnsupportedMediaType, errorTypeValidation, "Invalid file type")
	case errors.Is(err, uploads.ErrInvalidContent):
		h.metrics.ObserveUpload("invalid_content")
		writeError(w, http.StatusUnsupportedMediaType, errorTypeValidation, "File content is not a supported video")
	case errors.Is(err, uploads.ErrEmpty), errors.Is(err, errMissingVideo):
		h.metrics.ObserveUpload("missing")
		writeError(w, http.StatusBadRequest, errorTypeValidation, "No video file uploaded")
	case errors.Is(err, errMalformedForm), errors.Is(err, multipart.ErrMessageTooLarge):
		h.metrics.ObserveUpload("malformed")
		writeError(w, http.StatusBadRequest, errorTypeValidation, err.Error())
	default:
		h.metrics.ObserveUpload("error")
		logger.Error("store upload", "error", err)
		writeError(w, http.StatusInternalServerError, errorTypeServer, "Internal server error")
	}
}

// writeStreamError maps pipeline failures onto the error body. Failures in a
// pipeline stage carry the stage name.
func (h *Handler) writeStreamError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.WithContext(r.Context(), h.logger)
	stage := broadcast.Stage(err)

	var retrieveErr *oauth2.RetrieveError
	var apiErr *youtube.APIError
	switch {
	case errors.Is(err, broadcast.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, errorTypeValidation, err.Error())
		return
	case errors.Is(err, broadcast.ErrShuttingDown):
		logger.Warn("stream attempt aborted by shutdown", "error", err, "stage", stage)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			ErrorType: errorTypeServer,
			Message:   "Server is shutting down; try again later",
			Stage:     stage,
		})
		return
	case errors.As(err, &retrieveErr),
		errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
		logger.Warn("stream rejected by platform authorisation", "error", err, "stage", stage)
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			ErrorType: errorTypeAuth,
			Message:   "YouTube authorisation failed; sign in again",
			Stage:     stage,
		})
		return
	case stage == "" && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		logger.Warn("no stream slot available", "error", err)
		writeError(w, http.StatusServiceUnavailable, errorTypeServer, "Too many streams in progress; try again later")
		return
	case stage == "":
		logger.Error("start stream failed", "error", err)
		writeError(w, http.StatusInternalServerError, errorTypeServer, "Internal server error")
		return
	}
	logger.Warn("start stream failed", "error", err, "stage", stage)
	writeJSON(w, http.StatusBadGateway, errorResponse{
		ErrorType: errorTypeStream,
		Message:   err.Error(),
		Stage:     stage,
	})
}

func (h *Handler) discardUpload(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := h.uploads.Remove(path); err != nil {
		logging.WithContext(ctx, h.logger).Warn("remove rejected upload", "path", path, "error", err)
	}
}

// StopStream force-stops the encode process for the streamId path value.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "streamId"))
	stopped := h.streams.StopStream(id)
	message := "Stream not found"
	if stopped {
		message = "Stream stopped"
	}
	writeJSON(w, http.StatusOK, stopStreamResponse{Success: stopped, Message: message})
}

// StreamStatus reports whether streamId is encoding and its lifecycle state.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "streamId"))
	resp := streamStatusResponse{IsStreaming: h.streams.IsStreaming(id)}
	if state, ok := h.streams.State(id); ok {
		resp.State = state.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Streams lists active streams.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, streamsResponse{Streams: h.streams.Sessions()})
}

// Cleanup deletes every stored upload. It refuses while any stream is active
// because an encode process may still be reading its file.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if active := h.streams.ActiveCount(); active > 0 {
		writeError(w, http.StatusConflict, errorTypeConflict, fmt.Sprintf("%d stream(s) still active", active))
		return
	}
	removed, err := h.uploads.Cleanup()
	if err != nil {
		logging.WithContext(r.Context(), h.logger).Error("cleanup uploads", "error", err, "removed", removed)
		writeError(w, http.StatusInternalServerError, errorTypeServer, "Cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "removed": removed})
}
