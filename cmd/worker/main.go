package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schoolattend/internal/config"
	"schoolattend/internal/engine"
	"schoolattend/internal/metrics"
	"schoolattend/internal/notify"
	"schoolattend/internal/pending"
	"schoolattend/internal/recorder"
	"schoolattend/internal/store"
)

const drainBatch = 100

func main() {
	cfg := config.Load()

	if err := run(cfg); err != nil {
		log.Fatalf("resync worker failed: %v", err)
	}
}

func run(cfg config.App) error {
	loc, err := time.LoadLocation(cfg.SchoolTimezone)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	repo := store.NewRepository(db.Client)

	rules := engine.DefaultRules(loc)
	rules.GraceMinutes = cfg.GraceMinutes
	rules.LateWindowMinutes = cfg.LateWindowMinutes
	rules.Holidays = engine.NewHolidaySet(cfg.Holidays...)

	queue, err := pending.NewFileQueue(cfg.PendingPath, cfg.DeadLetterPath)
	if err != nil {
		return err
	}
	notifier := notify.New(cfg.NotifyURL, cfg.NotifySkip)
	rec := recorder.New(repo, queue, redisClient, notifier, rules, recorder.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		SettleDelay: cfg.SettleDelay,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("shutting down resync worker...")
		cancel()
	}()

	log.Printf("resync worker started, interval %s", cfg.ResyncInterval)
	ticker := time.NewTicker(cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		drainPending(ctx, rec, queue, cfg.ResyncMaxAge)
		select {
		case <-ctx.Done():
			log.Println("resync worker exited")
			return nil
		case <-ticker.C:
		}
	}
}

// drainPending replays queued check-ins against the primary store. Entries
// older than maxAge move to the dead-letter file; failed replays are
// re-queued with the attempt count bumped.
func drainPending(ctx context.Context, rec *recorder.Recorder, queue *pending.FileQueue, maxAge time.Duration) {
	entries, err := queue.Drain(ctx, drainBatch)
	if err != nil {
		log.Printf("pending drain failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Printf("replaying %d pending check-ins", len(entries))

	now := time.Now()
	for _, e := range entries {
		if ctx.Err() != nil {
			// Shutting down mid-batch: put the remainder back.
			if err := queue.Append(ctx, e); err != nil {
				log.Printf("requeue on shutdown failed for %s: %v", e.Record.ID, err)
			}
			continue
		}
		if now.Sub(e.SavedAt) > maxAge {
			if err := queue.DeadLetter(e); err != nil {
				log.Printf("dead-letter failed for %s: %v", e.Record.ID, err)
				_ = queue.Append(ctx, e)
				continue
			}
			metrics.ResyncReplays.WithLabelValues("dead_letter").Inc()
			log.Printf("dead-lettered check-in %s for student %s (saved %s)",
				e.Record.ID, e.Record.StudentID, e.SavedAt.Format(time.RFC3339))
			continue
		}

		if err := rec.Resync(ctx, e); err != nil {
			e.Attempts++
			metrics.ResyncReplays.WithLabelValues("failed").Inc()
			log.Printf("replay failed for %s (attempt %d): %v", e.Record.ID, e.Attempts, err)
			if err := queue.Append(ctx, e); err != nil {
				log.Printf("requeue failed for %s: %v", e.Record.ID, err)
			}
			continue
		}
		metrics.ResyncReplays.WithLabelValues("replayed").Inc()
		log.Printf("replayed check-in %s for student %s on %s",
			e.Record.ID, e.Record.StudentID, e.Record.Date)
	}
}
