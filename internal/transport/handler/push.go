package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"

	"github.com/jDay-whyT/converterBot-backend/internal/entities"
	"github.com/jDay-whyT/converterBot-backend/internal/faults"
)

// PushProcessor handles one push-delivered job synchronously.
type PushProcessor interface {
	Process(ctx context.Context, job entities.Job, attempt int) error
}

type PushHandler struct {
	proc PushProcessor
}

func NewPushHandler(proc PushProcessor) *PushHandler {
	return &PushHandler{proc: proc}
}

// Push accepts a queue-delivered message envelope. 200 acks the message;
// any other status (or a timeout) nacks it and the queue redelivers with
// backoff. Malformed envelopes are acked: redelivering them cannot help.
func (h *PushHandler) Push(w http.ResponseWriter, r *http.Request) {
	var env PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSONError(w, "invalid push body", http.StatusBadRequest)
		return
	}

	if env.Message.Data == "" {
		log.Printf("[push] message %s has no data, ignoring", env.Message.MessageID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no_data"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		log.Printf("[push] message %s: bad base64: %v", env.Message.MessageID, err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "bad_encoding"})
		return
	}

	var job entities.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		log.Printf("[push] message %s: bad job payload: %v", env.Message.MessageID, err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "bad_payload"})
		return
	}
	if job.FileID == "" || job.FileUniqueID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "missing_fields"})
		return
	}

	attempt := env.Message.DeliveryAttempt
	if attempt > 0 {
		attempt-- // delivery attempts are 1-based, ours count retries
	}

	if err := h.proc.Process(r.Context(), job, attempt); err != nil {
		if faults.IsTransient(err) {
			writeJSONError(w, "processing failed", http.StatusInternalServerError)
			return
		}
		// Permanent outcome is recorded; a redelivery would change nothing.
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "job_id": job.ID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "job_id": job.ID})
}
