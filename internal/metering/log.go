package metering

import (
	"context"
	"database/sql"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

const (
	truncateInputAt   = 2000
	truncateOutputAt  = 4000
	defaultFlushEvery = 10 * time.Second
	maxBuffered       = 1000
)

// Interaction is one finished conversational turn. Input and output are
// stored truncated; the log exists for audit and cost accounting, not
// transcript replay.
type Interaction struct {
	TenantID         string
	UserID           string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Input            string
	Output           string
	TerminalState    string
	CreatedAt        time.Time
}

// Log buffers interactions in memory and flushes them to Postgres in the
// background. Record never blocks the request path; when the buffer is
// full the oldest entries win and the new one is dropped with a warning.
type Log struct {
	db         *sql.DB
	logger     logging.Logger
	flushEvery time.Duration

	mu      sync.Mutex
	pending []Interaction

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewLog(db *sql.DB, logger logging.Logger) *Log {
	return &Log{
		db:         db,
		logger:     logger,
		flushEvery: defaultFlushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Record queues one interaction. Called unconditionally on every terminal
// transition, including failed turns.
func (l *Log) Record(rec Interaction) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Input = truncate(rec.Input, truncateInputAt)
	rec.Output = truncate(rec.Output, truncateOutputAt)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) >= maxBuffered {
		l.logger.WithFields(logging.Fields{
			"tenant": rec.TenantID,
		}).Warn("Interaction log buffer full, dropping record")
		return
	}
	l.pending = append(l.pending, rec)
}

// Start launches the background flush loop.
func (l *Log) Start() {
	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(l.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.flush()
			case <-l.stopCh:
				l.flush()
				return
			}
		}
	}()
}

// Stop flushes whatever is buffered and stops the loop.
func (l *Log) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.doneCh
}

func (l *Log) flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.requeue(batch, err)
		return
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO iat_interactions (
			tenant_id, user_id, model,
			prompt_tokens, completion_tokens,
			input_text, output_text, terminal_state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		l.requeue(batch, err)
		return
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.TenantID, rec.UserID, rec.Model,
			rec.PromptTokens, rec.CompletionTokens,
			rec.Input, rec.Output, rec.TerminalState, rec.CreatedAt,
		); err != nil {
			l.requeue(batch, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.requeue(batch, err)
	}
}

// requeue puts a failed batch back so a transient database outage does not
// lose the records, subject to the buffer cap.
func (l *Log) requeue(batch []Interaction, cause error) {
	l.logger.WithFields(logging.Fields{
		"error":   cause.Error(),
		"records": len(batch),
	}).Error("Interaction log flush failed")

	l.mu.Lock()
	defer l.mu.Unlock()
	room := maxBuffered - len(l.pending)
	if room <= 0 {
		return
	}
	if len(batch) > room {
		batch = batch[len(batch)-room:]
	}
	l.pending = append(batch, l.pending...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…[truncated]"
}
