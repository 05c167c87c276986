// Package api exposes the HTTP surface: the action contract endpoint the
// cron scheduler calls, provider webhooks, OAuth connect flows, and health.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/insurgrid/email-engine/internal/crypto"
	"github.com/insurgrid/email-engine/internal/dispatcher"
	"github.com/insurgrid/email-engine/internal/events"
	"github.com/insurgrid/email-engine/internal/inbound"
	"github.com/insurgrid/email-engine/internal/inbox"
	"github.com/insurgrid/email-engine/internal/oauth"
	"github.com/insurgrid/email-engine/internal/pkg/httputil"
	"github.com/insurgrid/email-engine/internal/scheduler"
	"github.com/insurgrid/email-engine/internal/store"
	"github.com/insurgrid/email-engine/internal/validation"
	"github.com/insurgrid/email-engine/internal/verifier"
)

// Handlers bundles the pipeline components behind the HTTP surface.
type Handlers struct {
	store      *store.Store
	db         *sql.DB
	scheduler  *scheduler.Scheduler
	verifier   *verifier.Verifier
	dispatcher *dispatcher.Dispatcher
	validator  *validation.Runner // nil when no validation key is configured
	events     *events.Processor
	inbound    *inbound.Processor
	injector   *inbox.Injector
	vault      *crypto.Vault
	adapters   map[string]oauth.Adapter

	frontendURL string
	startTime   time.Time
}

// NewHandlers wires the pipeline components into the HTTP layer. validator
// may be nil; the daily action then skips the validation pass.
func NewHandlers(
	st *store.Store,
	db *sql.DB,
	sched *scheduler.Scheduler,
	ver *verifier.Verifier,
	disp *dispatcher.Dispatcher,
	validator *validation.Runner,
	eventsProc *events.Processor,
	inboundProc *inbound.Processor,
	injector *inbox.Injector,
	vault *crypto.Vault,
	adapters map[string]oauth.Adapter,
	frontendURL string,
) *Handlers {
	return &Handlers{
		store:       st,
		db:          db,
		scheduler:   sched,
		verifier:    ver,
		dispatcher:  disp,
		validator:   validator,
		events:      eventsProc,
		inbound:     inboundProc,
		injector:    injector,
		vault:       vault,
		adapters:    adapters,
		frontendURL: frontendURL,
		startTime:   time.Now(),
	}
}

type actionRequest struct {
	Action       string `json:"action"`
	AutomationID string `json:"automationId,omitempty"`
}

// HandleAction is the cron entry point. Each action runs to completion in
// the request; row-level failures are recorded on rows and never fail the
// request. Only a broken action body or an unknown action returns non-2xx.
func (h *Handlers) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	out := map[string]interface{}{"action": req.Action}

	switch req.Action {
	case "refresh":
		h.runRefresh(ctx, out)
	case "verify":
		h.runVerify(ctx, out)
	case "send":
		h.runSend(ctx, out)
	case "process":
		h.runVerify(ctx, out)
		h.runSend(ctx, out)
	case "daily":
		h.runRefresh(ctx, out)
		h.runVerify(ctx, out)
		h.runSend(ctx, out)
		h.runValidation(ctx, out)
	case "activate":
		id, err := uuid.Parse(req.AutomationID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "activate requires a valid automationId")
			return
		}
		res, err := h.scheduler.RefreshOne(ctx, id)
		if err != nil {
			log.Printf("[API] Activate %s: %v", id, err)
			out["refreshError"] = err.Error()
			break
		}
		out["rowsInserted"] = res.RowsInserted
	default:
		respondError(w, http.StatusBadRequest, "unknown action")
		return
	}

	out["success"] = true
	httputil.JSON(w, http.StatusOK, out)
}

func (h *Handlers) runRefresh(ctx context.Context, out map[string]interface{}) {
	res, err := h.scheduler.RefreshAll(ctx)
	if err != nil {
		log.Printf("[API] Refresh: %v", err)
		out["refreshError"] = err.Error()
		return
	}
	out["automationsSeen"] = res.AutomationsSeen
	out["rowsInserted"] = res.RowsInserted
}

func (h *Handlers) runVerify(ctx context.Context, out map[string]interface{}) {
	res, err := h.verifier.Run(ctx)
	if err != nil {
		log.Printf("[API] Verify: %v", err)
		out["verifyError"] = err.Error()
		return
	}
	out["verified"] = res.Verified
	out["cancelled"] = res.Cancelled
}

func (h *Handlers) runSend(ctx context.Context, out map[string]interface{}) {
	res, err := h.dispatcher.Run(ctx)
	if err != nil {
		log.Printf("[API] Send: %v", err)
		out["sendError"] = err.Error()
		return
	}
	out["sent"] = res.Sent
	out["failed"] = res.Failed
	out["retried"] = res.Retried
}

func (h *Handlers) runValidation(ctx context.Context, out map[string]interface{}) {
	if h.validator == nil {
		return
	}
	res, err := h.validator.Run(ctx)
	if err != nil {
		log.Printf("[API] Validation: %v", err)
		out["validationError"] = err.Error()
		return
	}
	out["validated"] = res.Checked
}

// HealthCheck reports liveness plus a database ping.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbStatus := "up"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status = "degraded"
			dbStatus = "down"
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"uptime":   time.Since(h.startTime).Round(time.Second).String(),
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	httputil.JSON(w, status, httputil.ErrorResponse{Error: msg})
}
