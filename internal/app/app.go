package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jDay-whyT/converterBot-backend/cmd/migrate"
	"github.com/jDay-whyT/converterBot-backend/internal/batch"
	"github.com/jDay-whyT/converterBot-backend/internal/config"
	"github.com/jDay-whyT/converterBot-backend/internal/converter"
	"github.com/jDay-whyT/converterBot-backend/internal/dedup"
	"github.com/jDay-whyT/converterBot-backend/internal/queue"
	"github.com/jDay-whyT/converterBot-backend/internal/redisholder"
	"github.com/jDay-whyT/converterBot-backend/internal/telegram"
	"github.com/jDay-whyT/converterBot-backend/internal/transport/handler"
	"github.com/jDay-whyT/converterBot-backend/internal/transport/router"
	"github.com/jDay-whyT/converterBot-backend/internal/worker"
)

type App struct {
	HttpServer *http.Server
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations)
	if err != nil {
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rc := holder.Get()

	statusCache := dedup.NewCache("convert:status", rc)
	store, err := dedup.New(ctx, cfg.Database.DSN, statusCache)
	if err != nil {
		return nil, err
	}

	tg := telegram.NewClient(cfg.Telegram.Token)
	conv := converter.NewClient(&cfg.Converter)
	aggregator := batch.New(tg, cfg.Batch)

	proc := worker.NewProcessor(tg, conv, store, aggregator)
	producer := queue.Init(ctx, rc, cfg.Queue, proc)

	h := handler.New(producer, aggregator, tg, cfg)
	push := handler.NewPushHandler(proc)
	r := router.NewRouter(h, push)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return &App{
		HttpServer: s,
	}, nil
}

func (a *App) Run() error {
	log.Printf("starting server on %s", a.HttpServer.Addr)
	return a.HttpServer.ListenAndServe()
}
