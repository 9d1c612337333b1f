package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/chain"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/token"
)

const (
	attemptStatusSubmitted = "submitted"
	attemptStatusConfirmed = "confirmed"
	attemptStatusFailed    = "failed"

	maxAttempts = 8
)

// Worker synchronizes committed ledger entries with the token contract.
// Redeem entries become burns; earn and bonus entries become mints. The
// worker never holds a database transaction open across a chain call, and a
// chain failure never unwinds the committed off-chain entry; it is retried
// with capped exponential backoff and eventually left for the reconciler to
// flag.
type Worker struct {
	db           *gorm.DB
	reader       chain.Reader
	writer       chain.Writer
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
	logger       *slog.Logger
}

// Config captures the dependencies required to construct a Worker.
type Config struct {
	DB           *gorm.DB
	Reader       chain.Reader
	Writer       chain.Writer
	PollInterval time.Duration
	BatchSize    int
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewWorker builds a configured settlement worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.DB == nil {
		return nil, errors.New("settle: db is required")
	}
	if cfg.Reader == nil || cfg.Writer == nil {
		return nil, errors.New("settle: chain reader and writer are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		db:           cfg.DB,
		reader:       cfg.Reader,
		writer:       cfg.Writer,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Run starts the polling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("settlement sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep processes one batch of unsettled entries and returns how many it
// touched.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	var entries []models.LedgerEntry
	err := w.db.WithContext(ctx).
		Where("tx_hash = ? AND type IN ?", "", []models.EntryType{
			models.EntryRedeem,
			models.EntryEarn,
			models.EntryTierBonus,
			models.EntryReferralBonus,
		}).
		Order("created_at ASC").
		Limit(w.batchSize).
		Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("settle: load pending entries: %w", err)
	}

	touched := 0
	for _, entry := range entries {
		if err := w.settle(ctx, entry); err != nil {
			w.logger.Error("settlement failed",
				slog.String("entry_id", entry.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		touched++
	}
	return touched, nil
}

func (w *Worker) settle(ctx context.Context, entry models.LedgerEntry) error {
	last, err := w.latestAttempt(ctx, entry.ID)
	if err != nil {
		return err
	}
	now := w.now().UTC()
	if last != nil {
		if last.Attempt >= maxAttempts {
			// Exhausted; the reconciler surfaces this as Diverged.
			return nil
		}
		if last.Status == attemptStatusFailed && now.Before(last.NextAttempt) {
			return nil
		}
	}

	if last != nil && last.Status == attemptStatusSubmitted && last.TxHash != "" {
		return w.confirm(ctx, entry, last)
	}
	return w.submit(ctx, entry, last)
}

func (w *Worker) submit(ctx context.Context, entry models.LedgerEntry, last *models.SettlementAttempt) error {
	delta, err := token.FromStored(entry.DeltaWei)
	if err != nil {
		return fmt.Errorf("settle: entry %s: %w", entry.ID, err)
	}
	amount := new(big.Int).Abs(delta)

	var txHash string
	if delta.Sign() < 0 {
		txHash, err = w.writer.SubmitBurn(ctx, entry.CustomerAddress, amount)
	} else {
		txHash, err = w.writer.SubmitMint(ctx, entry.CustomerAddress, amount)
	}
	if err != nil {
		observability.SettlementMetrics().Attempts.WithLabelValues("failed").Inc()
		return w.recordFailure(ctx, entry, last, err)
	}

	observability.SettlementMetrics().Attempts.WithLabelValues("submitted").Inc()
	return w.recordAttempt(ctx, entry, last, attemptStatusSubmitted, txHash, "")
}

func (w *Worker) confirm(ctx context.Context, entry models.LedgerEntry, last *models.SettlementAttempt) error {
	confirmed, err := w.reader.TxConfirmed(ctx, last.TxHash)
	if err != nil {
		observability.SettlementMetrics().Attempts.WithLabelValues("failed").Inc()
		return w.recordFailure(ctx, entry, last, err)
	}
	if !confirmed {
		return nil
	}

	// The confirmed hash is the single permitted late write on a ledger row.
	err = w.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND tx_hash = ?", entry.ID, "").
		Update("tx_hash", last.TxHash).Error
	if err != nil {
		return fmt.Errorf("settle: mark confirmed: %w", err)
	}
	observability.SettlementMetrics().Confirmed.Inc()
	w.logger.Info("settlement confirmed",
		slog.String("entry_id", entry.ID.String()),
		slog.String("tx_hash", last.TxHash),
	)
	return w.recordAttempt(ctx, entry, last, attemptStatusConfirmed, last.TxHash, "")
}

func (w *Worker) recordFailure(ctx context.Context, entry models.LedgerEntry, last *models.SettlementAttempt, cause error) error {
	attemptNum := 1
	if last != nil {
		attemptNum = last.Attempt + 1
	}
	record := models.SettlementAttempt{
		ID:            uuid.New(),
		LedgerEntryID: entry.ID,
		Attempt:       attemptNum,
		Status:        attemptStatusFailed,
		Error:         cause.Error(),
		NextAttempt:   w.now().UTC().Add(backoffDuration(attemptNum)),
		CreatedAt:     w.now().UTC(),
	}
	if last != nil && last.TxHash != "" {
		record.TxHash = last.TxHash
	}
	if err := w.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("settle: record failure: %w", err)
	}
	return cause
}

func (w *Worker) recordAttempt(ctx context.Context, entry models.LedgerEntry, last *models.SettlementAttempt, status, txHash, errMsg string) error {
	attemptNum := 1
	if last != nil {
		attemptNum = last.Attempt + 1
	}
	record := models.SettlementAttempt{
		ID:            uuid.New(),
		LedgerEntryID: entry.ID,
		Attempt:       attemptNum,
		Status:        status,
		TxHash:        txHash,
		Error:         errMsg,
		CreatedAt:     w.now().UTC(),
	}
	if err := w.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("settle: record attempt: %w", err)
	}
	return nil
}

func (w *Worker) latestAttempt(ctx context.Context, entryID uuid.UUID) (*models.SettlementAttempt, error) {
	var attempt models.SettlementAttempt
	err := w.db.WithContext(ctx).
		Where("ledger_entry_id = ?", entryID).
		Order("attempt DESC, created_at DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("settle: load attempts: %w", err)
	}
	return &attempt, nil
}

func backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
