package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sees-platform/event-service/internal/config"
	"github.com/sees-platform/event-service/internal/logger"
	"github.com/sees-platform/event-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// The poller drains the transactional outbox to Kafka and periodically
// audits the ledger for paid tickets missing their payment row.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repo := repo.NewRepository(gdb, rdb, kw, log)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	auditTicker := time.NewTicker(5 * time.Minute)
	defer auditTicker.Stop()

	log.Info("event-poller started")
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			events, err := repo.PollOutbox(ctx, 100)
			if err != nil {
				log.Errorf("poll outbox: %v", err)
				continue
			}
			for _, evt := range events {
				if err := repo.PublishEvent(ctx, evt); err != nil {
					log.Errorf("publish id=%d: %v", evt.ID, err)
					continue
				}
				if err := repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
					log.Errorf("mark processed id=%d: %v", evt.ID, err)
				} else {
					log.Infof("event %d sent", evt.ID)
				}
			}
		case <-auditTicker.C:
			// recovery policy for partial settlement failures: surface
			// paid tickets with no payment row to the operator
			ctx := context.Background()
			orphans, err := repo.ListPaidTicketsWithoutPayment(ctx, 100)
			if err != nil {
				log.Errorf("ledger audit: %v", err)
				continue
			}
			for _, t := range orphans {
				log.Warnf("ledger audit: ticket %d (event %d, user %d) is paid but has no payment row",
					t.ID, t.EventID, t.UserID)
			}
		}
	}
}
