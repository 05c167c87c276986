package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/insurgrid/email-engine/internal/events"
	"github.com/insurgrid/email-engine/internal/inbound"
	"github.com/insurgrid/email-engine/internal/pkg/httputil"
)

// maxWebhookBody caps webhook payloads at 25 MB; SendGrid inbound parse
// ships full MIME including attachments.
const maxWebhookBody = 25 << 20

// HandleEventWebhook consumes the provider's delivery event batch. It
// always answers 200: a non-2xx makes the provider retry the whole batch
// and replays events we already applied.
func (h *Handlers) HandleEventWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("[Webhook] Read event body: %v", err)
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": false})
		return
	}

	var batch []events.Event
	if err := json.Unmarshal(body, &batch); err != nil {
		log.Printf("[Webhook] Parse event batch: %v", err)
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": false})
		return
	}

	h.events.ProcessBatch(r.Context(), batch)
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": true, "received": len(batch)})
}

// HandleInboundParse consumes the inbound-parse multipart form: one POST
// per inbound email. Uncorrelated mail is dropped with success=false but
// still 200, so the provider never retries.
func (h *Handlers) HandleInboundParse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxWebhookBody); err != nil {
		log.Printf("[Webhook] Parse inbound form: %v", err)
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": false})
		return
	}

	msg := inbound.Message{
		To:         r.FormValue("to"),
		From:       r.FormValue("from"),
		Subject:    r.FormValue("subject"),
		Text:       r.FormValue("text"),
		HTML:       r.FormValue("html"),
		RawHeaders: r.FormValue("headers"),
		RawMIME:    r.FormValue("email"),
	}

	result, err := h.inbound.Process(r.Context(), msg)
	if err != nil {
		log.Printf("[Webhook] Inbound processing: %v", err)
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": false})
		return
	}
	if !result.Correlated {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{"success": false, "reason": "no matching owner"})
		return
	}

	if err := h.injector.Inject(r.Context(), result.Reply); err != nil {
		log.Printf("[Webhook] Inbox injection for reply %s: %v", result.Reply.ID, err)
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"replyId":    result.Reply.ID,
		"correlated": result.Reply.EmailLogID != nil,
	})
}
