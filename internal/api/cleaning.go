package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/datacleanse/internal/parser"
	"github.com/ignite/datacleanse/internal/pkg/httputil"
	"github.com/ignite/datacleanse/internal/pkg/logger"
	"github.com/ignite/datacleanse/internal/progress"
	"github.com/ignite/datacleanse/internal/queue"
	"github.com/ignite/datacleanse/internal/storage"
)

// allowedMimeTypes are the spreadsheet content types accepted on
// upload. Browsers sometimes send octet-stream for perfectly good
// files, so it is tolerated and the extension decides.
var allowedMimeTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel":                                          true,
	"text/csv":                                                          true,
	"application/csv":                                                   true,
	"application/octet-stream":                                          true,
}

// statistics is the terminal job summary embedded in several responses.
type statistics struct {
	TotalRows      int   `json:"totalRows"`
	CleanedRows    int   `json:"cleanedRows"`
	ExceptionRows  int   `json:"exceptionRows"`
	ProcessingTime int64 `json:"processingTime"` // ms
}

func recordStatistics(rec *storage.FileRecord) *statistics {
	if rec.Status != storage.FileStatusCompleted {
		return nil
	}
	st := &statistics{}
	if rec.TotalRows != nil {
		st.TotalRows = *rec.TotalRows
	}
	if rec.CleanedRows != nil {
		st.CleanedRows = *rec.CleanedRows
	}
	if rec.ExceptionRows != nil {
		st.ExceptionRows = *rec.ExceptionRows
	}
	if rec.ProcessingTimeMS != nil {
		st.ProcessingTime = *rec.ProcessingTimeMS
	}
	return st
}

// progressReader reports cumulative bytes to the upload tracker as the
// multipart body streams in.
type progressReader struct {
	r        io.Reader
	uploadID string
	read     int64
	h        *Handlers
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.h.uploads.UpdateProgress(p.uploadID, p.read)
	}
	return n, err
}

// Upload accepts a multipart spreadsheet, persists it, creates the job
// record and enqueues the processing task.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		uploadID = uuid.New().String()
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxFileSize)

	mr, err := r.MultipartReader()
	if err != nil {
		httputil.BadRequest(w, httputil.CodeValidationFailed, "expected multipart form with a file field")
		return
	}

	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.uploads.FailUpload(uploadID, err.Error())
			httputil.BadRequest(w, httputil.CodeValidationFailed, "malformed multipart body")
			return
		}
		if p.FormName() == "file" && p.FileName() != "" {
			part = p
			break
		}
		p.Close()
	}
	if part == nil {
		httputil.BadRequest(w, httputil.CodeValidationFailed, "missing file field")
		return
	}
	defer part.Close()

	fileName := part.FileName()
	fileType, err := parser.DetectType(fileName)
	if err != nil {
		httputil.BadRequest(w, httputil.CodeUnsupportedFileType,
			fmt.Sprintf("unsupported file type %q: expected .xlsx, .xls or .csv", fileName))
		return
	}
	if ct := part.Header.Get("Content-Type"); ct != "" && !allowedMimeTypes[strings.ToLower(ct)] {
		httputil.BadRequest(w, httputil.CodeUnsupportedFileType,
			fmt.Sprintf("unsupported content type %q", ct))
		return
	}

	h.uploads.StartTracking(uploadID, fileName, r.ContentLength)

	storedPath, size, err := h.fileStore.Save(
		&progressReader{r: part, uploadID: uploadID, h: h},
		"."+fileType)
	if err != nil {
		h.uploads.FailUpload(uploadID, err.Error())
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, httputil.CodeFileTooLarge,
				fmt.Sprintf("file exceeds the %d byte limit", h.cfg.Upload.MaxFileSize))
			return
		}
		httputil.InternalError(w, err)
		return
	}

	cleanupOn := func(reason string) {
		h.uploads.FailUpload(uploadID, reason)
		if err := h.fileStore.Remove(storedPath); err != nil {
			log.Printf("[API] Cleanup %s: %v", storedPath, err)
		}
	}

	// CSV uploads must have a recognizable header row; a file whose
	// first row looks like data would silently misname every field.
	if fileType == parser.FileTypeCSV {
		f, err := os.Open(storedPath)
		if err != nil {
			cleanupOn(err.Error())
			httputil.InternalError(w, err)
			return
		}
		detection, err := parser.DetectHeaders(f)
		f.Close()
		if err != nil {
			cleanupOn(err.Error())
			httputil.BadRequest(w, httputil.CodeValidationFailed, err.Error())
			return
		}
		if !detection.HasHeaders {
			cleanupOn(detection.RejectionReason)
			httputil.ErrorWithDetails(w, http.StatusBadRequest, httputil.CodeValidationFailed,
				detection.RejectionReason, detection)
			return
		}
	}

	totalRows, err := parser.CountRows(r.Context(), storedPath, fileType)
	if err != nil {
		cleanupOn(err.Error())
		if errors.Is(err, parser.ErrEmptyFile) {
			httputil.BadRequest(w, httputil.CodeValidationFailed, "file contains no data rows")
			return
		}
		httputil.BadRequest(w, httputil.CodeValidationFailed, fmt.Sprintf("file could not be read: %v", err))
		return
	}

	rec := &storage.FileRecord{
		OriginalFileName: fileName,
		StoredPath:       storedPath,
		FileSize:         size,
		FileType:         fileType,
		MimeType:         part.Header.Get("Content-Type"),
		TotalRows:        &totalRows,
	}
	if err := h.files.Create(r.Context(), rec); err != nil {
		cleanupOn(err.Error())
		httputil.InternalError(w, err)
		return
	}

	task := &queue.Task{
		TaskID:    rec.JobID,
		FileID:    rec.ID,
		FilePath:  storedPath,
		FileName:  fileName,
		FileType:  fileType,
		TotalRows: totalRows,
	}
	if err := h.queue.Enqueue(r.Context(), task); err != nil {
		cleanupOn(err.Error())
		httputil.InternalError(w, err)
		return
	}

	h.uploads.CompleteUpload(uploadID)
	logger.Info("upload accepted",
		"jobId", rec.JobID,
		"fileId", rec.ID,
		"fileName", fileName,
		"sizeBytes", size,
		"totalRows", totalRows)
	httputil.OK(w, map[string]any{
		"jobId":     rec.JobID,
		"taskId":    rec.JobID,
		"fileId":    rec.ID,
		"uploadId":  uploadID,
		"totalRows": totalRows,
		"status":    storage.FileStatusPending,
		"message":   "file accepted, processing queued",
	})
}

// JobStatus reports the job lifecycle plus terminal statistics.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	rec, err := h.files.GetByJobID(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	overall := 0.0
	switch rec.Status {
	case storage.FileStatusCompleted:
		overall = 100
	case storage.FileStatusProcessing, storage.FileStatusPending:
		if snap, err := progress.LoadSnapshot(r.Context(), h.redis, jobID); err == nil && snap != nil {
			overall = snap.OverallProgress
		}
	}

	resp := map[string]any{
		"jobId":    jobID,
		"status":   rec.Status,
		"progress": overall,
	}
	if st := recordStatistics(rec); st != nil {
		resp["statistics"] = st
	}
	if rec.ErrorMessage != nil {
		resp["errorMessage"] = *rec.ErrorMessage
	}
	httputil.OK(w, resp)
}

// CheckStatus projects the queue task state combined with progress.
func (h *Handlers) CheckStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	st, err := h.queue.Status(r.Context(), taskID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if st == nil {
		httputil.NotFound(w, httputil.CodeTaskNotFound, "task not found")
		return
	}

	resp := map[string]any{
		"taskId":    taskID,
		"status":    st.Status,
		"createdAt": time.Unix(st.CreatedAt, 0).UTC().Format(time.RFC3339),
	}
	if st.StartedAt > 0 {
		resp["startedAt"] = time.Unix(st.StartedAt, 0).UTC().Format(time.RFC3339)
	}
	if st.CompletedAt > 0 {
		resp["completedAt"] = time.Unix(st.CompletedAt, 0).UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		resp["errorMessage"] = st.LastError
	}

	if snap, err := progress.LoadSnapshot(r.Context(), h.redis, taskID); err == nil && snap != nil {
		resp["progress"] = snap.OverallProgress
		resp["processedRows"] = snap.ProcessedRows
		resp["totalRows"] = snap.TotalRows
		resp["currentPhase"] = snap.CurrentPhase
		if snap.EstimatedTimeRemaining != nil {
			resp["estimatedTimeRemaining"] = *snap.EstimatedTimeRemaining
		}
	} else {
		resp["progress"] = 0.0
		resp["processedRows"] = 0
		resp["totalRows"] = 0
		resp["currentPhase"] = progress.PhasePreparing
	}

	if rec, err := h.files.GetByJobID(r.Context(), taskID); err == nil {
		if stats := recordStatistics(rec); stats != nil {
			resp["statistics"] = stats
			resp["progress"] = 100.0
			resp["currentPhase"] = progress.PhaseCompleted
		}
	}
	httputil.OK(w, resp)
}

// JobProgress reports live progress from the worker's Redis snapshots.
func (h *Handlers) JobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	if snap, err := progress.LoadSnapshot(r.Context(), h.redis, jobID); err == nil && snap != nil {
		resp := map[string]any{
			"jobId":           snap.JobID,
			"overallProgress": snap.OverallProgress,
			"processedRows":   snap.ProcessedRows,
			"totalRows":       snap.TotalRows,
			"workerProgress":  snap.WorkerProgress,
			"isProcessing":    snap.IsProcessing,
			"currentPhase":    snap.CurrentPhase,
		}
		if snap.EstimatedTimeRemaining != nil {
			resp["estimatedTimeRemaining"] = *snap.EstimatedTimeRemaining
		}
		httputil.OK(w, resp)
		return
	}

	// No live snapshot: fall back to the durable record.
	rec, err := h.files.GetByJobID(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	overall := 0.0
	processed := 0
	total := 0
	if rec.TotalRows != nil {
		total = *rec.TotalRows
	}
	if rec.Status == storage.FileStatusCompleted {
		overall = 100
		processed = total
	}
	resp := map[string]any{
		"jobId":           jobID,
		"overallProgress": overall,
		"processedRows":   processed,
		"totalRows":       total,
		"workerProgress":  []progress.WorkerProgress{},
		"isProcessing":    rec.Status == storage.FileStatusProcessing,
	}
	if st := recordStatistics(rec); st != nil {
		resp["statistics"] = st
	}
	httputil.OK(w, resp)
}

// JobMetrics reports the latest sampled runtime metrics.
func (h *Handlers) JobMetrics(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	if m, err := progress.LoadMetrics(r.Context(), h.redis, jobID); err == nil && m != nil {
		httputil.OK(w, m)
		return
	}

	rec, err := h.files.GetByJobID(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, progress.Metrics{
		JobID:        jobID,
		Timestamp:    time.Now(),
		IsProcessing: rec.Status == storage.FileStatusProcessing,
	})
}

// JobReport returns the terminal performance report.
func (h *Handlers) JobReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	report, err := progress.LoadReport(r.Context(), h.redis, jobID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if report == nil {
		httputil.NotFound(w, httputil.CodeJobNotFound, "no report for this job")
		return
	}
	httputil.OK(w, report)
}

// ListFiles returns the paginated file history.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		Status:   q.Get("status"),
		Page:     intParam(q.Get("page"), 1),
		PageSize: intParam(q.Get("pageSize"), 20),
	}
	if t, ok := parseDateParam(q.Get("startDate")); ok {
		filter.StartDate = &t
	}
	if t, ok := parseDateParam(q.Get("endDate")); ok {
		// End date is inclusive of the whole day when no time is given.
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		filter.EndDate = &t
	}

	files, total, err := h.files.List(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if files == nil {
		files = []storage.FileRecord{}
	}
	httputil.OK(w, map[string]any{
		"files":    files,
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}

// FileDetail returns one file record plus terminal statistics.
func (h *Handlers) FileDetail(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	rec, err := h.files.GetByID(r.Context(), fileID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "file not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	resp := map[string]any{"file": rec}
	if st := recordStatistics(rec); st != nil {
		resp["statistics"] = st
	}
	httputil.OK(w, resp)
}

// DeleteFile removes a file record, its persisted results and the
// stored upload.
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	rec, err := h.files.Delete(r.Context(), fileID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "file not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.fileStore.Remove(rec.StoredPath); err != nil {
		log.Printf("[API] Remove stored file %s: %v", rec.StoredPath, err)
	}
	httputil.OK(w, map[string]any{"deleted": true, "fileId": fileID, "jobId": rec.JobID})
}

// CleanData returns a page of clean rows.
func (h *Handlers) CleanData(w http.ResponseWriter, r *http.Request) {
	h.pagedData(w, r, func(jobID string, page, pageSize int) (any, int, error) {
		rows, total, err := h.persister.FetchClean(r.Context(), jobID, page, pageSize)
		if rows == nil {
			rows = []storage.CleanRow{}
		}
		return rows, total, err
	})
}

// ExceptionData returns a page of exception rows.
func (h *Handlers) ExceptionData(w http.ResponseWriter, r *http.Request) {
	h.pagedData(w, r, func(jobID string, page, pageSize int) (any, int, error) {
		rows, total, err := h.persister.FetchExceptions(r.Context(), jobID, page, pageSize)
		if rows == nil {
			rows = []storage.ExceptionRow{}
		}
		return rows, total, err
	})
}

func (h *Handlers) pagedData(w http.ResponseWriter, r *http.Request, fetch func(jobID string, page, pageSize int) (any, int, error)) {
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.files.GetByJobID(r.Context(), jobID); errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "job not found")
		return
	} else if err != nil {
		httputil.InternalError(w, err)
		return
	}

	page := intParam(r.URL.Query().Get("page"), 1)
	pageSize := intParam(r.URL.Query().Get("pageSize"), 100)
	data, total, err := fetch(jobID, page, pageSize)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	httputil.OK(w, map[string]any{
		"data":       data,
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
		"totalPages": totalPages,
	})
}

// DownloadClean streams the clean dataset as XLSX.
func (h *Handlers) DownloadClean(w http.ResponseWriter, r *http.Request) {
	h.download(w, r, "clean", h.exporter.WriteClean)
}

// DownloadExceptions streams the exception dataset as XLSX.
func (h *Handlers) DownloadExceptions(w http.ResponseWriter, r *http.Request) {
	h.download(w, r, "exceptions", h.exporter.WriteExceptions)
}

func (h *Handlers) download(w http.ResponseWriter, r *http.Request, kind string, write func(ctx context.Context, jobID string, w io.Writer) error) {
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.files.GetByJobID(r.Context(), jobID); errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, httputil.CodeJobNotFound, "job not found")
		return
	} else if err != nil {
		httputil.InternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s_%s.xlsx"`, kind, jobID))
	if err := write(r.Context(), jobID, w); err != nil {
		// Headers are gone; all we can do is log.
		log.Printf("[API] Download %s %s: %v", kind, jobID, err)
	}
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseDateParam(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
