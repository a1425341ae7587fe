package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sees-platform/event-service/internal/bus"
	"github.com/sees-platform/event-service/internal/config"
	"github.com/sees-platform/event-service/internal/gateway"
	"github.com/sees-platform/event-service/internal/logger"
	"github.com/sees-platform/event-service/internal/mailer"
	"github.com/sees-platform/event-service/internal/model"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/sees-platform/event-service/internal/service"
	httptransport "github.com/sees-platform/event-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.User{}, &model.Event{}, &model.EventAttendee{}, &model.EventOrganizer{},
		&model.Ticket{}, &model.Payment{}, &model.EventNotification{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. collaborators
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.WebhookSecret,
		&http.Client{Timeout: 10 * time.Second}, log)
	var mail mailer.Mailer
	if cfg.SMTP.Enabled {
		mail = mailer.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
	} else {
		mail = mailer.NewLogMailer(log)
	}

	// 7. repo, bus & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	b := bus.New(log)
	notificationSvc := service.NewNotificationService(repository, mail, log)
	b.Subscribe(notificationSvc)
	checkoutSvc := service.NewCheckoutService(repository, gw, b, log,
		cfg.Gateway.SuccessURL, cfg.Gateway.CancelURL, cfg.Gateway.Currency)
	eventSvc := service.NewEventService(repository, b, log)

	// 8. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Checkout:     checkoutSvc,
		Event:        eventSvc,
		Notification: notificationSvc,
	}, cfg, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("event-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
