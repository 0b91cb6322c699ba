package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clubattend/internal/attendance"
	"clubattend/internal/config"
	"clubattend/internal/notify"
	"clubattend/internal/queue"
	"clubattend/internal/store"
)

// Worker consumes check-in events, recomputes the student's stats, and fires
// an at-risk webhook when attendance drops below the threshold.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "clubattend:checkins")
	}

	repo := attendance.NewRepository(db.Client)
	agg := attendance.NewAggregator(repo, repo)
	alerts := notify.New(cfg.AlertWebhookURL)

	if alerts.Enabled() {
		log.Println("at-risk alerts enabled:", cfg.AlertWebhookURL)
	} else {
		log.Println("at-risk alerts disabled (ALERT_WEBHOOK_URL not set)")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "checkin" {
			continue
		}

		var rec attendance.Record
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			log.Printf("bad checkin payload: %v", err)
			continue
		}
		log.Printf("processing check-in for %s on %s", rec.UserID, rec.Date.Format("2006-01-02"))

		stats, err := agg.StudentStats(ctx, rec.UserID)
		if err != nil {
			log.Printf("stats recompute failed for %s: %v", rec.UserID, err)
			continue
		}

		if stats.Total > 0 && stats.Percentage < attendance.AtRiskPct && alerts.Enabled() {
			alert := notify.Alert{
				UserID:     rec.UserID,
				Batch:      string(rec.Batch),
				Percentage: stats.Percentage,
				Message:    "attendance below threshold",
			}
			if err := alerts.Send(ctx, alert); err != nil {
				log.Printf("alert send failed for %s: %v", rec.UserID, err)
			} else {
				log.Printf("at-risk alert sent for %s (%d%%)", rec.UserID, stats.Percentage)
			}
		}

		time.Sleep(10 * time.Millisecond) // Small delay between processing
	}

	log.Println("worker stopped")
}
