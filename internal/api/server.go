package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datacleanse/internal/config"
	"github.com/ignite/datacleanse/internal/export"
	"github.com/ignite/datacleanse/internal/pkg/httputil"
	"github.com/ignite/datacleanse/internal/queue"
	"github.com/ignite/datacleanse/internal/rules"
	"github.com/ignite/datacleanse/internal/storage"
	"github.com/ignite/datacleanse/internal/uploadprog"
)

// Handlers carries the dependencies of the HTTP layer. The API process
// never processes rows itself: it produces tasks and reads state the
// worker leaves in Redis and Postgres.
type Handlers struct {
	cfg       *config.Config
	files     *storage.FileRepo
	fileStore *storage.FileStore
	persister *storage.Persister
	queue     *queue.Queue
	redis     *redis.Client
	rules     *rules.Store
	uploads   *uploadprog.Tracker
	exporter  *export.Exporter
}

func NewHandlers(cfg *config.Config, files *storage.FileRepo, fileStore *storage.FileStore, persister *storage.Persister, q *queue.Queue, rdb *redis.Client, ruleStore *rules.Store, uploads *uploadprog.Tracker) *Handlers {
	return &Handlers{
		cfg:       cfg,
		files:     files,
		fileStore: fileStore,
		persister: persister,
		queue:     q,
		redis:     rdb,
		rules:     ruleStore,
		uploads:   uploads,
		exporter:  export.NewExporter(persister),
	}
}

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Upload-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/data-cleaning", func(r chi.Router) {
			r.Post("/upload", h.Upload)
			r.Get("/status/{jobId}", h.JobStatus)
			r.Get("/check-status/{taskId}", h.CheckStatus)
			r.Get("/progress/{jobId}", h.JobProgress)
			r.Get("/metrics/{jobId}", h.JobMetrics)
			r.Get("/report/{jobId}", h.JobReport)
			r.Get("/files", h.ListFiles)
			r.Get("/files/{fileId}", h.FileDetail)
			r.Delete("/files/{fileId}", h.DeleteFile)
			r.Get("/data/clean/{jobId}", h.CleanData)
			r.Get("/data/exceptions/{jobId}", h.ExceptionData)
			r.Get("/download/clean/{jobId}", h.DownloadClean)
			r.Get("/download/exceptions/{jobId}", h.DownloadExceptions)
		})

		r.Route("/rule-config", func(r chi.Router) {
			r.Get("/current", h.CurrentRuleConfig)
			r.Put("/update", h.UpdateRuleConfig)
			r.Post("/reload", h.ReloadRuleConfig)
			r.Get("/history", h.RuleConfigHistory)
			r.Get("/stats", h.RuleConfigStats)
		})

		r.Route("/upload-progress", func(r chi.Router) {
			r.Get("/active/all", h.ActiveUploads)
			r.Get("/stream/{uploadId}", h.StreamUploadProgress)
			r.Get("/{uploadId}", h.UploadProgress)
		})

		r.Get("/queue/stats", h.QueueStats)
	})

	return r
}

// HealthCheck reports liveness of the API and its backing stores.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := h.redis.Ping(r.Context()).Err(); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, status)
}

// QueueStats exposes the queue census for operators.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}
