package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/config"
	"scriptcustody/internal/link"
	"scriptcustody/internal/queue"
	"scriptcustody/internal/store"
)

// Worker persists audit events from the queue and sweeps expired
// attendance links.
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
		q = queue.NewRedisQueue(redisClient.Client, "custody:audit")
	}

	attRepo := attendance.NewRepository(db.Client)
	links := link.NewManager(link.NewRepository(db.Client), nil, nil,
		cfg.LinkMinTTL, cfg.LinkMaxTTL, cfg.LinkTokenLength)

	// Expired links get deactivated on a fixed cadence; redemption
	// already rejects them, the sweep just keeps the table honest.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := links.SweepExpired(ctx)
				if err != nil {
					log.Printf("link sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("deactivated %d expired links", n)
				}
			}
		}
	}()

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "audit" {
			continue
		}

		var evt attendance.AuditEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("bad audit payload: %v", err)
			continue
		}

		if err := attRepo.InsertAudit(ctx, evt); err != nil {
			log.Printf("audit insert failed for record %s: %v", evt.RecordID, err)
			continue
		}
		log.Printf("audit: %s %s -> %s (%s)", evt.RecordID, evt.FromStatus, evt.ToStatus, evt.Method)
	}

	log.Println("worker stopped")
}
