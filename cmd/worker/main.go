package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/store"
	"qrattend/internal/webhook"
)

// Worker consumes scan and session-end events and forwards summaries to the
// notification webhook.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:events")
	}

	notify := webhook.New(cfg.WebhookURL, cfg.WebhookSkip)
	if !cfg.WebhookSkip {
		if err := notify.Health(ctx); err != nil {
			log.Printf("WARNING: webhook receiver not available: %v", err)
			log.Println("Worker will retry delivery as events arrive")
		} else {
			log.Println("Webhook receiver connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		switch msg.Type {
		case queue.TypeScan:
			var evt queue.ScanEvent
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				log.Printf("bad scan event: %v", err)
				continue
			}
			log.Printf("scan: student %s subject %s %s (%s)", evt.StudentID, evt.SubjectID, evt.Date, evt.Status)

		case queue.TypeSessionEnd:
			var evt queue.SessionEndEvent
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				log.Printf("bad session-end event: %v", err)
				continue
			}
			summary := webhook.SessionSummary{
				SubjectID: evt.SubjectID,
				Date:      evt.Date,
				Present:   evt.Present,
				Late:      evt.Late,
				Absent:    evt.Absent,
			}
			if err := notify.NotifySessionEnd(ctx, summary); err != nil {
				log.Printf("session-end notify failed for %s: %v", evt.SubjectID, err)
				continue
			}
			log.Printf("session %s %s notified: %d present, %d late, %d absent",
				evt.SubjectID, evt.Date, evt.Present, evt.Late, evt.Absent)
		}
	}

	log.Println("worker stopped")
}
