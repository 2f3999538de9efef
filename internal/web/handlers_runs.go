package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/trexsync/internal/core"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/importer"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
)

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 32 << 20

// StartRunResponse is returned when a run was accepted.
type StartRunResponse struct {
	RunID       string `json:"run_id"`
	ProgressURL string `json:"progress_url"`
	ResultURL   string `json:"result_url"`
}

// RunResultResponse is a finished run plus the user message for its error.
type RunResultResponse struct {
	*pipeline.Result
	Message *core.UserMessage `json:"message,omitempty"`
}

// handleStartExport accepts multipart "documents" files, an optional "types"
// JSON object mapping file names to document types and a "selection" JSON
// object.
func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	if err := s.parseMultipart(w, r); err != nil {
		respondError(w, r, err)
		return
	}

	docs, err := formUploads(r.MultipartForm, "documents")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := applyTypes(docs, r.FormValue("types")); err != nil {
		respondError(w, r, err)
		return
	}

	var sel pipeline.Selection
	if raw := r.FormValue("selection"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			respondError(w, r, newBadRequest(fmt.Errorf("invalid selection: %w", err)))
			return
		}
	}

	ctx := WithRequestMetadata(r.Context(), r)
	runID, err := s.service.StartExport(ctx, projectID, core.ExportRequest{
		Documents: docs,
		Selection: sel,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse(runID))
}

// handleStartImport accepts a multipart "workbook" file, the baseline as a
// "baseline" file or a "baseline_key" artifact key, "documents" files and/or
// "document_keys" values, and a "push" flag.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	if err := s.parseMultipart(w, r); err != nil {
		respondError(w, r, err)
		return
	}
	form := r.MultipartForm

	workbook, err := formFile(form, "workbook")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if workbook == nil {
		respondError(w, r, newBadRequest(importer.ErrNoWorkbook))
		return
	}

	req := core.ImportRequest{Workbook: workbook.Data}

	baseline, err := formFile(form, "baseline")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if baseline != nil {
		req.Baseline = baseline.Data
	} else {
		req.BaselineKey = strings.TrimSpace(r.FormValue("baseline_key"))
	}
	if req.Baseline == nil && req.BaselineKey == "" {
		respondError(w, r, newBadRequest(importer.ErrNoBaseline))
		return
	}

	if req.Documents, err = formUploads(form, "documents"); err != nil {
		respondError(w, r, err)
		return
	}
	if err := applyTypes(req.Documents, r.FormValue("types")); err != nil {
		respondError(w, r, err)
		return
	}
	for _, key := range form.Value["document_keys"] {
		if key = strings.TrimSpace(key); key != "" {
			req.DocumentKeys = append(req.DocumentKeys, key)
		}
	}

	if raw := r.FormValue("push"); raw != "" {
		if req.Push, err = strconv.ParseBool(raw); err != nil {
			respondError(w, r, newBadRequest(fmt.Errorf("invalid push flag %q", raw)))
			return
		}
	}

	ctx := WithRequestMetadata(r.Context(), r)
	runID, err := s.service.StartImport(ctx, projectID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse(runID))
}

// handleRunProgress streams run progress via Server-Sent Events.
// Supports resumption via the Last-Event-ID header or lastEventId query
// parameter; the event id is the overall percentage.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	lastEventIDStr := r.Header.Get("Last-Event-ID")
	if lastEventIDStr == "" {
		lastEventIDStr = r.URL.Query().Get("lastEventId")
	}
	lastEventID, _ := strconv.Atoi(lastEventIDStr)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"))
		return
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var last core.RunProgress
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed: the run finished
				data, _ := json.Marshal(last)
				fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
				flusher.Flush()
				return
			}
			last = progress

			// Skip events the client already has, except the final one
			if lastEventIDStr != "" && progress.Percent <= lastEventID && !progress.Done() {
				continue
			}

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", progress.Percent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleRunResult returns the final result of a run. Without ?wait=true an
// unfinished run answers 202 with its progress.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		progress, err := s.service.RunProgress(runID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if !progress.Done() {
			writeJSON(w, http.StatusAccepted, progress)
			return
		}
	}

	res, err := s.service.RunResult(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := RunResultResponse{Result: res}
	if res.Error != "" {
		msg := core.MapError(errors.New(res.Error))
		resp.Message = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelRun cancels an in-progress run. The run stops at its next
// step boundary.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.CancelRun(runID); err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleHistory returns the project's finished runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	limit := parseIntParam(r, "limit", 50)

	runs, err := s.service.History(r.Context(), projectID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func startResponse(runID string) StartRunResponse {
	return StartRunResponse{
		RunID:       runID,
		ProgressURL: "/api/runs/" + runID + "/progress",
		ResultURL:   "/api/runs/" + runID + "/result",
	}
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Pipeline.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return newBadRequest(fmt.Errorf("file too large or invalid form: %w", err))
	}
	return nil
}

// formUploads reads every file posted under field.
func formUploads(form *multipart.Form, field string) ([]core.Upload, error) {
	var uploads []core.Upload
	for _, fh := range form.File[field] {
		u, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

// formFile reads the single file posted under field, or returns nil.
func formFile(form *multipart.Form, field string) (*core.Upload, error) {
	files := form.File[field]
	switch len(files) {
	case 0:
		return nil, nil
	case 1:
		u, err := readUpload(files[0])
		return &u, err
	}
	return nil, newBadRequest(fmt.Errorf("expected one %s file, got %d", field, len(files)))
}

func readUpload(fh *multipart.FileHeader) (core.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return core.Upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return core.Upload{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return core.Upload{Name: fh.Filename, Data: data}, nil
}

// applyTypes sets explicit document types from a JSON object keyed by file
// name. Files without an entry are detected from their root element.
func applyTypes(docs []core.Upload, raw string) error {
	if raw == "" {
		return nil
	}
	var types map[string]string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		return newBadRequest(fmt.Errorf("invalid types: %w", err))
	}
	for i := range docs {
		code, ok := types[docs[i].Name]
		if !ok {
			continue
		}
		t, err := document.ParseDocType(code)
		if err != nil {
			return newBadRequest(err)
		}
		docs[i].Type = t
	}
	return nil
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
