package redisholder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jDay-whyT/converterBot-backend/internal/config"
)

// Build connects to Redis and starts a background health loop that rebuilds
// the client on ping failure. Cluster mode is tried first; a single-node
// client is the fallback so local setups work with the same config shape.
func Build(ctx context.Context, cfg *config.Config) (*Holder, error) {
	cl, err := connect(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	h := NewHolder(cl)
	go healthLoop(ctx, h, &cfg.Redis)

	return h, nil
}

func connect(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	cl, clusterErr := newClusterClient(cfg)
	if clusterErr == nil {
		return cl, nil
	}

	single, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[redis] cluster client unavailable (%v), using single-node client", clusterErr)
	return single, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg *config.RedisConfig) {
	interval := cfg.HealthCheckInterval * time.Second
	log.Printf("[redis] health loop started interval=%v", interval)

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Get().Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return
		}

		log.Printf("[redis] ping failed (%v), reconnecting", err)
		newCl, connErr := connect(cfg)
		if connErr != nil {
			log.Printf("[redis] reconnect failed: %v", connErr)
			return
		}

		if old := h.swap(newCl); old != nil {
			_ = old.Close()
		}
		log.Printf("[redis] reconnected")
	}

	ping()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			log.Printf("[redis] health loop stopped (%v)", ctx.Err())
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 2 {
		return nil, errors.New("not enough nodes for cluster mode")
	}

	addrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		addrs = append(addrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          addrs,
		DialTimeout:    cfg.DialTimeout * time.Second,
		ReadTimeout:    cfg.ReadTimeout * time.Second,
		WriteTimeout:   cfg.WriteTimeout * time.Second,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
	})

	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis cluster: %w", err)
	}
	return cl, nil
}

func newClient(cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout * time.Second,
			ReadTimeout:  cfg.ReadTimeout * time.Second,
			WriteTimeout: cfg.WriteTimeout * time.Second,
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(context.Background()).Err(); err != nil {
			stickyErr = fmt.Errorf("ping redis %s: %w", node.Addr(), err)
			continue
		}
		return cl, nil
	}

	return nil, stickyErr
}
