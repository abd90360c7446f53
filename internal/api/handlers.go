// Package api exposes the engine's commands over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"eventbell/internal/auth"
	"eventbell/internal/discord"
	"eventbell/internal/engine"
	"eventbell/internal/lifecycle"
	"eventbell/internal/models"
	"eventbell/internal/policy"
	"eventbell/internal/store"
	"eventbell/internal/upload"
)

// Service is the command set the HTTP surface drives. *engine.Engine implements it.
type Service interface {
	CreateEvent(ctx context.Context, requester auth.Identity, req engine.CreateRequest) (engine.Created, error)
	UpdatePolicy(requester auth.Identity, offsets []int, intervalMinutes int) (policy.Policy, error)
	AttachImage(ctx context.Context, token, imageURL string) (models.Event, error)
	ReplaceImage(ctx context.Context, requester auth.Identity, eventID, imageURL string) (models.Event, error)
	ApplyChange(change models.Change) lifecycle.Outcome
	LiveEvents() []models.Event
	Policy() policy.Policy
}

type handlers struct {
	logger *slog.Logger
	svc    Service
}

// NewRouter builds the gin engine. The change webhook is only mounted when
// webhookSecret is set.
func NewRouter(logger *slog.Logger, svc Service, signer *auth.Signer, webhookSecret string) *gin.Engine {
	h := &handlers{logger: logger, svc: svc}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", JWTAuth(signer))
	authed.POST("/events", h.createEvent)
	authed.GET("/events", h.listEvents)
	authed.PUT("/events/:id/image", h.replaceImage)
	authed.GET("/policy", h.getPolicy)
	authed.PUT("/policy", h.updatePolicy)

	// The upload token is the credential here.
	r.POST("/uploads/:token", h.attachImage)

	if webhookSecret != "" {
		r.POST("/hooks/scheduled-events", WebhookSecret(webhookSecret), h.scheduledEventHook)
	}
	return r
}

type eventView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	ImageURL    string    `json:"image_url,omitempty"`
	Reminded    []int     `json:"reminded_offsets"`
}

func newEventView(ev models.Event) eventView {
	return eventView{
		ID:          ev.ID,
		Name:        ev.Name,
		Location:    ev.Location,
		Description: ev.Description,
		StartTime:   ev.StartTime,
		EndTime:     ev.EndTime,
		ImageURL:    ev.ImageURL,
		Reminded:    ev.FiredList(),
	}
}

type policyView struct {
	Offsets         []int `json:"offsets"`
	IntervalMinutes int   `json:"interval_minutes"`
}

func newPolicyView(p policy.Policy) policyView {
	return policyView{Offsets: p.Offsets, IntervalMinutes: int(p.Interval / time.Minute)}
}

// POST /events
func (h *handlers) createEvent(c *gin.Context) {
	var req engine.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.svc.CreateEvent(c.Request.Context(), identity(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"event":        newEventView(created.Event),
		"upload_token": created.Token,
		"upload_path":  "/uploads/" + created.Token,
	})
}

// GET /events
func (h *handlers) listEvents(c *gin.Context) {
	live := h.svc.LiveEvents()
	out := make([]eventView, 0, len(live))
	for _, ev := range live {
		out = append(out, newEventView(ev))
	}
	c.JSON(http.StatusOK, out)
}

// GET /policy
func (h *handlers) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, newPolicyView(h.svc.Policy()))
}

// PUT /policy accepts either an offsets array or the "24,12" timings string.
func (h *handlers) updatePolicy(c *gin.Context) {
	var in struct {
		Offsets         []int  `json:"offsets"`
		Timings         string `json:"timings"`
		IntervalMinutes int    `json:"interval_minutes"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	offsets := in.Offsets
	if in.Timings != "" {
		parsed, err := policy.ParseOffsets(in.Timings)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		offsets = parsed
	}
	if in.IntervalMinutes == 0 {
		in.IntervalMinutes = int(h.svc.Policy().Interval / time.Minute)
	}

	p, err := h.svc.UpdatePolicy(identity(c), offsets, in.IntervalMinutes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPolicyView(p))
}

// POST /uploads/:token
func (h *handlers) attachImage(c *gin.Context) {
	var in struct {
		ImageURL string `json:"image_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.svc.AttachImage(c.Request.Context(), c.Param("token"), in.ImageURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventView(ev))
}

// PUT /events/:id/image
func (h *handlers) replaceImage(c *gin.Context) {
	var in struct {
		ImageURL string `json:"image_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.svc.ReplaceImage(c.Request.Context(), identity(c), c.Param("id"), in.ImageURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventView(ev))
}

// POST /hooks/scheduled-events receives relayed scheduled-event update and
// delete notifications.
func (h *handlers) scheduledEventHook(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	change, err := discord.DecodeChange(data)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := h.svc.ApplyChange(change)
	c.JSON(http.StatusOK, gin.H{"outcome": outcome.String()})
}

func (h *handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, policy.ErrInvalid),
		errors.Is(err, upload.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrUnknownToken),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrImageEmbedded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrExternal):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
