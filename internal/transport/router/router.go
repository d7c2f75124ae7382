package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/jDay-whyT/converterBot-backend/internal/transport/handler"
)

func NewRouter(h *handler.Handler, p *handler.PushHandler) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Health)
	r.Get("/healthz", h.Health)
	r.Post("/webhook", h.Webhook)
	r.Post("/queue/push", p.Push)

	return r
}
