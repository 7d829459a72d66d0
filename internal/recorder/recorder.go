// Package recorder is the resilient write path for live check-ins: status
// computation shared with the classifier, check-then-write idempotency,
// retry with capped backoff, post-write verification, and a dual fallback
// that guarantees no check-in is ever silently dropped.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolattend/internal/engine"
	"schoolattend/internal/metrics"
	"schoolattend/internal/pending"
)

// Store is the primary attendance store.
type Store interface {
	FindRecord(ctx context.Context, studentID, date, shift string) (*engine.Record, error)
	InsertRecord(ctx context.Context, rec engine.Record) error
	SetNotifyError(ctx context.Context, recordID, msg string) error
}

// BackupStore receives the independent second-fallback copy of a failed
// check-in.
type BackupStore interface {
	SaveBackup(ctx context.Context, rec engine.Record, reason string) error
}

// Notifier is the best-effort parent notification collaborator.
type Notifier interface {
	NotifyCheckIn(ctx context.Context, studentID, studentName string, ts time.Time) error
}

// Config tunes the retry and verification behavior.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	SettleDelay time.Duration
}

// DefaultConfig matches the production tuning: three attempts, 500ms base
// backoff capped at 5s, 300ms settle before the verification read.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		SettleDelay: 300 * time.Millisecond,
	}
}

// Result is the outcome of a check-in.
type Result struct {
	Record engine.Record `json:"record"`
	// Confirmed means the record was written and verified in the primary
	// store. Queued means the primary write failed and the record was saved
	// to the fallbacks for automatic resync.
	Confirmed  bool   `json:"confirmed"`
	Queued     bool   `json:"queued"`
	FailReason Reason `json:"fail_reason,omitempty"`
}

// Recorder coordinates the check-in write path. Concurrent check-ins for the
// same (student, date, shift) serialize through a per-key lock; different
// keys proceed in parallel.
type Recorder struct {
	store    Store
	backup   BackupStore
	queue    pending.Queue
	notifier Notifier
	rules    engine.Rules
	cfg      Config
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a refcounted mutex so the per-key map can shed entries once the
// last holder releases; otherwise it would grow by one entry per
// (student, date, shift) for the life of the process.
type keyLock struct {
	sync.Mutex
	refs int
}

// New creates a recorder. clock may be nil for wall time.
func New(store Store, queue pending.Queue, backup BackupStore, notifier Notifier, rules engine.Rules, cfg Config, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	return &Recorder{
		store:    store,
		backup:   backup,
		queue:    queue,
		notifier: notifier,
		rules:    rules,
		cfg:      cfg,
		clock:    clock,
		locks:    make(map[string]*keyLock),
	}
}

// RecordCheckIn persists a check-in happening now for the student's shift.
// It returns a confirmed result, a queued-for-resync result, or an
// unrecoverable error when the primary store and both fallbacks all failed.
//
// Callers should pass a context that outlives the client request; the write
// and its fallbacks complete even if the caller stops waiting.
func (r *Recorder) RecordCheckIn(ctx context.Context, st engine.Student, shift string, configs engine.ClassConfigs) (Result, error) {
	started := r.clock()
	defer func() { metrics.CheckInDuration.Observe(time.Since(started).Seconds()) }()

	now := r.clock().In(r.rules.Location)
	date := engine.DateString(now)
	if shift == "" {
		shift = st.Shift
	}

	unlock := r.lockKey(st.ID + "|" + date + "|" + shift)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.backoff(attempt))
		}
		metrics.CheckInAttempts.Inc()

		rec, err := r.writeOnce(ctx, st, shift, configs, now, date)
		if err == nil {
			metrics.CheckInConfirmed.Inc()
			r.notify(ctx, &rec)
			return Result{Record: rec, Confirmed: true}, nil
		}
		lastErr = err
		log.Printf("recorder: attempt %d/%d for student %s failed: %v", attempt+1, r.cfg.MaxAttempts, st.ID, err)
	}

	reason := Classify(lastErr)
	metrics.CheckInFailures.WithLabelValues(string(reason)).Inc()
	return r.fallback(ctx, st, shift, configs, now, date, reason, lastErr)
}

// writeOnce runs one attempt: existing-record check, status computation,
// insert, settle, verify.
func (r *Recorder) writeOnce(ctx context.Context, st engine.Student, shift string, configs engine.ClassConfigs, now time.Time, date string) (engine.Record, error) {
	existing, err := r.store.FindRecord(ctx, st.ID, date, shift)
	if err != nil {
		return engine.Record{}, fmt.Errorf("existing-record check: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	rec := r.buildRecord(st, shift, configs, now, date)
	if err := r.store.InsertRecord(ctx, rec); err != nil {
		return engine.Record{}, fmt.Errorf("insert: %w", err)
	}

	time.Sleep(r.cfg.SettleDelay)
	verified, err := r.store.FindRecord(ctx, st.ID, date, shift)
	if err != nil {
		return engine.Record{}, fmt.Errorf("verification read: %w", err)
	}
	if verified == nil {
		return engine.Record{}, fmt.Errorf("verification: record for %s on %s not readable after write", st.ID, date)
	}
	return *verified, nil
}

// buildRecord computes the status via the shared grace rule and assembles
// the row. A missing shift config never blocks a physical check-in: the
// record is kept as present with no start time and the gap is logged.
func (r *Recorder) buildRecord(st engine.Student, shift string, configs engine.ClassConfigs, now time.Time, date string) engine.Record {
	tag, startTime, err := engine.CheckInTag(st, configs, r.rules, now)
	if err != nil {
		log.Printf("recorder: no shift config for student %s (class %q, shift %q), recording present without start time", st.ID, st.Class, shift)
		tag, startTime = engine.TagPresent, ""
	}
	ts := now
	return engine.Record{
		ID:          uuid.NewString(),
		StudentID:   st.ID,
		StudentName: st.FullName,
		Date:        date,
		Status:      tag,
		Shift:       shift,
		Timestamp:   &ts,
		TimeIn:      now.Format("15:04"),
		StartTime:   startTime,
		Method:      "checkin",
	}
}

// fallback performs the dual write: durable pending queue first, backup
// store second. Only both failing surfaces an unrecoverable error.
func (r *Recorder) fallback(ctx context.Context, st engine.Student, shift string, configs engine.ClassConfigs, now time.Time, date string, reason Reason, cause error) (Result, error) {
	rec := r.buildRecord(st, shift, configs, now, date)
	entry := pending.Entry{
		Record:  rec,
		Reason:  string(reason),
		SavedAt: now,
	}

	queueErr := r.queue.Append(ctx, entry)
	if queueErr == nil {
		metrics.FallbackWrites.WithLabelValues("pending").Inc()
	} else {
		log.Printf("recorder: pending-queue fallback failed for student %s: %v", st.ID, queueErr)
	}

	backupErr := r.backup.SaveBackup(ctx, rec, string(reason))
	if backupErr == nil {
		metrics.FallbackWrites.WithLabelValues("backup").Inc()
	} else {
		log.Printf("recorder: backup-store fallback failed for student %s: %v", st.ID, backupErr)
	}

	if queueErr != nil && backupErr != nil {
		return Result{}, &CheckInError{
			Reason: reason,
			Err:    errors.Join(cause, queueErr, backupErr),
		}
	}
	return Result{Record: rec, Queued: true, FailReason: reason}, nil
}

// Resync replays one pending entry into the primary store. The existing-
// record check keeps replays idempotent with writes that did land.
func (r *Recorder) Resync(ctx context.Context, entry pending.Entry) error {
	rec := entry.Record
	unlock := r.lockKey(rec.StudentID + "|" + rec.Date + "|" + rec.Shift)
	defer unlock()

	existing, err := r.store.FindRecord(ctx, rec.StudentID, rec.Date, rec.Shift)
	if err != nil {
		return fmt.Errorf("resync existing-record check: %w", err)
	}
	if existing != nil {
		return nil
	}
	if err := r.store.InsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("resync insert: %w", err)
	}
	return nil
}

// notify calls the parent notification collaborator; failures are recorded
// on the row and never propagate.
func (r *Recorder) notify(ctx context.Context, rec *engine.Record) {
	if r.notifier == nil || rec.Timestamp == nil {
		return
	}
	if err := r.notifier.NotifyCheckIn(ctx, rec.StudentID, rec.StudentName, *rec.Timestamp); err != nil {
		metrics.NotifyFailures.Inc()
		rec.NotifyError = err.Error()
		if serr := r.store.SetNotifyError(ctx, rec.ID, err.Error()); serr != nil {
			log.Printf("recorder: could not record notify error for %s: %v", rec.ID, serr)
		}
	}
}

func (r *Recorder) backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff << (attempt - 1)
	if r.cfg.MaxBackoff > 0 && d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

func (r *Recorder) lockKey(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
