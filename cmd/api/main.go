package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"disputeflow/auth"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/escalation"
	"disputeflow/evidence"
	"disputeflow/notify"
	"disputeflow/outbox"
	"disputeflow/registry"
	"disputeflow/resolution"
	"disputeflow/timeline"
	"disputeflow/voting"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := escalation.LoadRules()
	if err != nil {
		log.Fatalf("load escalation rules: %v", err)
	}

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	recorder := timeline.NewRecorder()
	queue := outbox.NewQueue()

	disputeRepo := dispute.NewRepository(pool)
	disputeSvc := dispute.NewService(pool, disputeRepo, recorder, queue)
	evidenceSvc := evidence.NewService(pool, evidence.NewRepository(pool), disputeRepo, recorder)
	votingSvc := voting.NewService(pool, voting.NewRepository(pool), disputeRepo, recorder, rules.QuorumPercent)
	resolutionSvc := resolution.NewService(pool, resolution.NewRepository(pool), disputeRepo, recorder, queue, rules.AppealWindow)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client, err := notify.Connect(addr)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer client.Close()
		feed := notify.NewPublisher(client)
		disputeSvc.WithFeed(feed)
		evidenceSvc.WithFeed(feed)
		votingSvc.WithFeed(feed)
		resolutionSvc.WithFeed(feed)
	}

	registryRepo := registry.NewRepository(pool)
	ctrl := escalation.NewController(disputeSvc, votingSvc, resolutionSvc, evidenceSvc, registryRepo, rules)

	sweeper := escalation.NewSweeper(escalation.NewScanner(pool), ctrl, disputeSvc, rules)
	go sweeper.Run(ctx)

	sinkURL := os.Getenv("ESCROW_WEBHOOK_URL")
	if sinkURL != "" {
		dispatcher := outbox.NewDispatcher(pool, outbox.NewWebhookSink(sinkURL), rules.DeliveryMaxAttempts, rules.SweepInterval)
		go dispatcher.Run(ctx)
	} else {
		log.Print("ESCROW_WEBHOOK_URL not set, outbox dispatcher disabled")
	}

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)

	server := &Server{
		disputes:    disputeSvc,
		evidenceSvc: evidenceSvc,
		votes:       votingSvc,
		ctrl:        ctrl,
		decisions:   resolutionSvc,
		events:      timeline.NewRepository(pool),
		authService: authSvc,
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http server: %v", err)
		}
	}()

	log.Printf("dispute engine listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}
