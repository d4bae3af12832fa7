package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime/internal/activity"
	"github.com/p-blackswan/codetime/internal/engine"
	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/health"
	"github.com/p-blackswan/codetime/internal/remote"
	"github.com/p-blackswan/codetime/internal/syncer"
)

// Service is the part of the engine the API exposes.
type Service interface {
	OnUserActive(project string)
	OnLinesChanged(project, path, extension string, added, removed int64)
	OnBranchChanged(project, branch string)
	OnCommit(project string, c activity.CommitRecord) bool
	OnApplicationFocusLost()
	OnProjectClosing(project string)

	TodayTotalSeconds() int64
	TodayProjectSeconds(project string) int64
	ProjectUnsavedDelta(project string) int64
	AllDataInLocalTimezone() []activity.LocalBucket
	RemoteDaily(ctx context.Context) (remote.DailyTotals, error)
	Status() engine.Status

	SyncNow(ctx context.Context) (syncer.Report, error)
	SetAPIKey(key string) error
	ResumeCollection()
}

var _ Service = (*engine.Engine)(nil)

// remoteTimeout bounds the daily totals request including its retries.
const remoteTimeout = 30 * time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc       Service
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Service, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		svc:       svc,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(health.Report{Ready: true, Status: "ready"})
	}
	report := h.checker.Report(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	return c.JSON(h.svc.Status())
}

// Today handles GET /api/v1/today.
func (h *Handlers) Today(c *fiber.Ctx) error {
	return c.JSON(TodayResponse{TotalSeconds: h.svc.TodayTotalSeconds()})
}

// Project handles GET /api/v1/projects/:name.
func (h *Handlers) Project(c *fiber.Ctx) error {
	name := c.Params("name")
	return c.JSON(ProjectResponse{
		Project:        name,
		TodaySeconds:   h.svc.TodayProjectSeconds(name),
		UnsavedSeconds: h.svc.ProjectUnsavedDelta(name),
	})
}

// Activity handles GET /api/v1/activity.
func (h *Handlers) Activity(c *fiber.Ctx) error {
	return c.JSON(h.svc.AllDataInLocalTimezone())
}

// RemoteDaily handles GET /api/v1/remote/daily.
func (h *Handlers) RemoteDaily(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), remoteTimeout)
	defer cancel()

	totals, err := h.svc.RemoteDaily(ctx)
	switch {
	case err == nil:
		return c.JSON(totals)
	case errors.Is(err, perrors.ErrRemoteDisabled):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"remote_disabled", "Service Unavailable", err.Error())
	case errors.Is(err, perrors.ErrNoAPIKey):
		return problemResponse(c, fiber.StatusConflict,
			"no_api_key", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrCollectionStopped):
		return problemResponse(c, fiber.StatusConflict,
			"collection_stopped", "Conflict", err.Error())
	default:
		h.logger.Warn().Err(err).Msg("daily totals fetch failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"upstream_error", "Bad Gateway", err.Error())
	}
}

// Sync handles POST /api/v1/sync.
func (h *Handlers) Sync(c *fiber.Ctx) error {
	report, err := h.svc.SyncNow(c.UserContext())
	if errors.Is(err, perrors.ErrNotReady) {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"not_ready", "Service Unavailable", "engine is not running")
	}
	if err != nil {
		return err
	}
	return c.JSON(SyncResponse{
		Result:         report.Result,
		DrainedSeconds: report.DrainedSeconds,
		CatchUpHours:   report.CatchUpHours,
		Replayed:       report.Replayed,
		LiveSent:       report.LiveSent,
		Queued:         report.Queued,
	})
}

// SetAPIKey handles PUT /api/v1/api-key.
func (h *Handlers) SetAPIKey(c *fiber.Ctx) error {
	var req APIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	if err := h.svc.SetAPIKey(req.APIKey); err != nil {
		if errors.Is(err, perrors.ErrRemoteDisabled) {
			return problemResponse(c, fiber.StatusServiceUnavailable,
				"remote_disabled", "Service Unavailable", err.Error())
		}
		return err
	}
	return c.JSON(h.svc.Status().Remote)
}

// ResumeCollection handles POST /api/v1/collection/resume.
func (h *Handlers) ResumeCollection(c *fiber.Ctx) error {
	h.svc.ResumeCollection()
	return c.JSON(h.svc.Status().Remote)
}

// EventActive handles POST /api/v1/events/active.
func (h *Handlers) EventActive(c *fiber.Ctx) error {
	var ev ActiveEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalidBody(c, err)
	}
	if ev.Project == "" {
		return missingProject(c)
	}
	h.svc.OnUserActive(ev.Project)
	return accepted(c)
}

// EventLines handles POST /api/v1/events/lines.
func (h *Handlers) EventLines(c *fiber.Ctx) error {
	var ev LinesEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalidBody(c, err)
	}
	if ev.Project == "" {
		return missingProject(c)
	}
	if ev.Path == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_path", "Bad Request", "File path is required")
	}
	h.svc.OnLinesChanged(ev.Project, ev.Path, ev.Extension, ev.Added, ev.Removed)
	return accepted(c)
}

// EventBranch handles POST /api/v1/events/branch.
func (h *Handlers) EventBranch(c *fiber.Ctx) error {
	var ev BranchEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalidBody(c, err)
	}
	if ev.Project == "" {
		return missingProject(c)
	}
	h.svc.OnBranchChanged(ev.Project, ev.Branch)
	return accepted(c)
}

// EventCommit handles POST /api/v1/events/commit.
func (h *Handlers) EventCommit(c *fiber.Ctx) error {
	var ev CommitEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalidBody(c, err)
	}
	if ev.Project == "" {
		return missingProject(c)
	}
	if ev.Commit.Hash == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_hash", "Bad Request", "Commit hash is required")
	}
	if !h.svc.OnCommit(ev.Project, ev.Commit) {
		return problemResponse(c, fiber.StatusConflict,
			"commit_rejected", "Conflict", "Commit is already pending or collection is paused")
	}
	return accepted(c)
}

// EventFocusLost handles POST /api/v1/events/focus-lost.
func (h *Handlers) EventFocusLost(c *fiber.Ctx) error {
	h.svc.OnApplicationFocusLost()
	return accepted(c)
}

// EventProjectClosing handles POST /api/v1/events/project-closing.
func (h *Handlers) EventProjectClosing(c *fiber.Ctx) error {
	var ev ActiveEvent
	if err := c.BodyParser(&ev); err != nil {
		return invalidBody(c, err)
	}
	if ev.Project == "" {
		return missingProject(c)
	}
	h.svc.OnProjectClosing(ev.Project)
	return accepted(c)
}

func accepted(c *fiber.Ctx) error {
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}

func invalidBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

func missingProject(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"missing_project", "Bad Request", "Project name is required")
}
