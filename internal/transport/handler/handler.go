package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/entities"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Publisher puts a job on the queue and returns its message id.
type Publisher interface {
	Publish(ctx context.Context, job entities.Job) (string, error)
}

// Aggregator is the batch registry the gateway reports arrivals to.
type Aggregator interface {
	JobAccepted(ctx context.Context, job entities.Job)
	JobRejected(ctx context.Context, ownerID, chatID, topicID int64, fileName, reason string)
}

// Replier answers chat commands. Only SendMessage is needed here.
type Replier interface {
	SendMessage(ctx context.Context, chatID, topicID int64, text string) (int64, error)
}

type Handler struct {
	publisher  Publisher
	aggregator Aggregator
	replier    Replier
	cfg        *config.Config
}

func New(publisher Publisher, aggregator Aggregator, replier Replier, cfg *config.Config) *Handler {
	return &Handler{
		publisher:  publisher,
		aggregator: aggregator,
		replier:    replier,
		cfg:        cfg,
	}
}

// Webhook ingests one Telegram update. It answers before any conversion
// happens: accepted means enqueued, nothing more. Telegram retries the
// update on non-2xx, so only a failed enqueue returns one.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(secretHeader) != h.cfg.Telegram.WebhookSecret {
		writeJSONError(w, "bad webhook secret", http.StatusUnauthorized)
		return
	}

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSONError(w, "invalid update body", http.StatusBadRequest)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if !h.cfg.Telegram.Allowed(msg.From.ID) {
		h.reply(r.Context(), msg, "Нет доступа")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if msg.Document == nil {
		if strings.HasPrefix(msg.Text, "/start") {
			h.reply(r.Context(), msg, "Готов конвертировать документы в JPG")
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if msg.Chat.ID != h.cfg.Telegram.ChatID || msg.MessageThreadID != h.cfg.Telegram.SourceTopicID {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	doc := msg.Document
	if !supportedExtension(doc.FileName) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if limit := h.cfg.Telegram.MaxFileMB << 20; doc.FileSize > limit {
		// Too big to ever convert: never becomes a job, but the user still
		// sees it in the batch view.
		h.aggregator.JobRejected(r.Context(), msg.From.ID, msg.Chat.ID, msg.MessageThreadID,
			doc.FileName, "слишком большой файл")
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
		return
	}

	job := entities.Job{
		ID:            uuid.NewString(),
		FileID:        doc.FileID,
		FileUniqueID:  doc.FileUniqueID,
		FileName:      doc.FileName,
		FileSize:      doc.FileSize,
		MimeType:      doc.MimeType,
		ChatID:        msg.Chat.ID,
		TopicID:       msg.MessageThreadID,
		MessageID:     msg.MessageID,
		OwnerID:       msg.From.ID,
		TargetChatID:  h.cfg.Telegram.ChatID,
		TargetTopicID: h.cfg.Telegram.TargetTopicID,
		Options: entities.ConvertOptions{
			Quality: h.cfg.Converter.Quality,
			MaxSide: h.cfg.Converter.MaxSide,
		},
		Created: time.Now().UTC(),
	}

	msgID, err := h.publisher.Publish(r.Context(), job)
	if err != nil {
		// Telegram will redeliver the whole update; no enqueue retry here.
		log.Printf("[gateway] publish job for %s failed: %v", doc.FileUniqueID, err)
		writeJSONError(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	h.aggregator.JobAccepted(r.Context(), job)
	log.Printf("[gateway] accepted file=%s unique_id=%s job=%s msg=%s",
		doc.FileName, doc.FileUniqueID, job.ID, msgID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "job_id": job.ID})
}

func (h *Handler) reply(ctx context.Context, msg *Message, text string) {
	if _, err := h.replier.SendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text); err != nil {
		log.Printf("[gateway] reply failed: %v", err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
