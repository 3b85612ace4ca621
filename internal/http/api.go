package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/orchestrator"
	"tunefetch/internal/registry"
	"tunefetch/internal/stats"
	"tunefetch/internal/storage"
)

// Downloads is the write side of the API.
type Downloads interface {
	Submit(ctx context.Context, req domain.Request) (domain.Job, registry.Outcome, error)
	Cancel(ctx context.Context, ref string) (domain.Job, error)
	Pause(ctx context.Context, ref string) (domain.Job, error)
	Resume(ctx context.Context, ref string) (domain.Job, error)
}

// Jobs is the read side of the registry.
type Jobs interface {
	Lookup(ref string) (domain.Job, error)
	ListByState(states ...domain.JobState) []domain.Job
}

type Stats interface {
	Snapshot(ctx context.Context) stats.Snapshot
}

type Options struct {
	CORSOrigins []string
	Logger      *logrus.Logger
}

// Handler wires HTTP routes to the download pipeline.
type Handler struct {
	downloads Downloads
	jobs      Jobs
	stats     Stats
	bus       *events.Bus
	objects   storage.ObjectLister
	opts      Options
	log       *logrus.Logger
	upgrader  websocket.Upgrader
}

// NewHandler builds the API. objects may be nil when no cold store can list content.
func NewHandler(downloads Downloads, jobs Jobs, st Stats, bus *events.Bus, objects storage.ObjectLister, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{
		downloads: downloads,
		jobs:      jobs,
		stats:     st,
		bus:       bus,
		objects:   objects,
		opts:      opts,
		log:       logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handler) allowAllOrigins() bool {
	origins := h.opts.CORSOrigins
	return len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
}

// originAllowed applies the CORS allow-list to websocket upgrades. Requests
// without an Origin header are not from a browser and pass.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAllOrigins() {
		return true
	}
	for _, allowed := range h.opts.CORSOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := router.Group("/download")
	{
		api.POST("/request", h.requestDownload)
		api.GET("/stats", h.getStats)
		api.GET("/active", h.listActive)
		api.GET("/jobs/:id", h.getJob)
		api.POST("/pause/:handle", h.pause)
		api.POST("/resume/:handle", h.resume)
		api.POST("/cancel/:handle", h.cancel)
		api.GET("/events", h.streamEvents)
		api.GET("/storage/objects", h.listObjects)
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	if h.allowAllOrigins() {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = h.opts.CORSOrigins
	}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	return cors.New(config)
}

type downloadRequest struct {
	Title      string `json:"title"`
	Artist     string `json:"artist" binding:"required"`
	Album      string `json:"album"`
	ExternalID string `json:"external_id"`
	Source     string `json:"source"`
}

func (h *Handler) requestDownload(c *gin.Context) {
	var body downloadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := domain.Request{
		Title:      strings.TrimSpace(body.Title),
		Artist:     strings.TrimSpace(body.Artist),
		Album:      strings.TrimSpace(body.Album),
		ExternalID: strings.TrimSpace(body.ExternalID),
		Source:     strings.TrimSpace(body.Source),
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, outcome, err := h.downloads.Submit(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "state": job.State, "outcome": outcome})
}

func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Snapshot(c.Request.Context()))
}

func (h *Handler) listActive(c *gin.Context) {
	jobs := h.jobs.ListByState(domain.ActiveStates()...)
	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.Lookup(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) pause(c *gin.Context) {
	h.control(c, h.downloads.Pause)
}

func (h *Handler) resume(c *gin.Context) {
	h.control(c, h.downloads.Resume)
}

func (h *Handler) cancel(c *gin.Context) {
	h.control(c, h.downloads.Cancel)
}

func (h *Handler) control(c *gin.Context, op func(context.Context, string) (domain.Job, error)) {
	job, err := op(c.Request.Context(), c.Param("handle"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var classified *domain.Error
	switch {
	case errors.Is(err, registry.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, adapters.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrTerminal), errors.Is(err, orchestrator.ErrNotPausable):
		status = http.StatusConflict
	case errors.As(err, &classified):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		h.log.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.objects == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "cold storage listing not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	objects, err := h.objects.ListObjects(ctx, c.Query("prefix"))
	if errors.Is(err, storage.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}
