package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/chain"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/token"
)

// Status is the overall outcome of a reconciliation run.
type Status string

const (
	// StatusConsistent means every ledger entry in the window is reflected
	// on-chain and the balances agree.
	StatusConsistent Status = "CONSISTENT"
	// StatusPending means some entries await confirmation but are still
	// inside the grace period. Not an error.
	StatusPending Status = "PENDING_CONFIRMATION"
	// StatusDiverged means the grace period elapsed without confirmation, or
	// balances disagree. Surfaced for operator action, never auto-healed.
	StatusDiverged Status = "DIVERGED"
)

// Finding kinds emitted by the reconciler.
const (
	FindingMissingBurn       = "missing_burn"
	FindingMissingMint       = "missing_mint"
	FindingPendingBurn       = "pending_burn"
	FindingPendingMint       = "pending_mint"
	FindingUnmatchedTransfer = "unmatched_transfer"
	FindingBalanceDrift      = "balance_drift"
)

// Finding is a single reconciliation observation requiring attention.
type Finding struct {
	Kind            string
	EntryID         *uuid.UUID
	CustomerAddress string
	TxHash          string
	Details         string
	Diverged        bool
}

// AlertFunc is invoked for every diverged finding.
type AlertFunc func(ctx context.Context, finding Finding) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB          *gorm.DB
	Reader      chain.Reader
	GracePeriod time.Duration
	OutputDir   string
	DryRun      bool
	Now         func() time.Time
	Alert       AlertFunc
	Logger      *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start           time.Time
	End             time.Time
	CustomerAddress string
	ShopID          string
	DryRun          bool
}

// Report summarises one reconciliation run.
type Report struct {
	Start      time.Time
	End        time.Time
	Status     Status
	Rows       []*ReportRow
	Findings   []Finding
	Corrective []models.LedgerEntry
	Files      []ReportFile
}

// ReportRow captures reconciliation state for one ledger entry.
type ReportRow struct {
	EntryID         uuid.UUID
	Type            models.EntryType
	CustomerAddress string
	ShopID          string
	Delta           string
	TxHash          string
	CreatedAt       time.Time
	AgeAtRun        time.Duration
	Finding         string
}

// Reconciler cross-checks the off-chain ledger against observed on-chain
// mint/burn events. It never mutates historical entries: confirmations are
// recorded through the nullable tx hash, and on-chain events with no
// originating entry produce appended corrective rows.
type Reconciler struct {
	db          *gorm.DB
	reader      chain.Reader
	gracePeriod time.Duration
	outputDir   string
	dryRun      bool
	now         func() time.Time
	alert       AlertFunc
	logger      *slog.Logger
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = time.Hour
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("loyaltyd-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, finding Finding) error { return nil }
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:          cfg.DB,
		reader:      cfg.Reader,
		gracePeriod: cfg.GracePeriod,
		outputDir:   outputDir,
		dryRun:      cfg.DryRun,
		now:         nowFn,
		alert:       alert,
		logger:      logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now().UTC()

	query := r.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at ASC, id ASC")
	if addr := strings.ToLower(strings.TrimSpace(opts.CustomerAddress)); addr != "" {
		query = query.Where("customer_address = ?", addr)
	}
	if shop := strings.TrimSpace(opts.ShopID); shop != "" {
		query = query.Where("shop_id = ?", shop)
	}
	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("recon: load ledger: %w", err)
	}

	customers := make([]string, 0)
	seen := map[string]bool{}
	for _, entry := range entries {
		if !seen[entry.CustomerAddress] {
			customers = append(customers, entry.CustomerAddress)
			seen[entry.CustomerAddress] = true
		}
	}

	transfersByHash := map[string]chain.Transfer{}
	transfersByCustomer := map[string][]chain.Transfer{}
	for _, customer := range customers {
		transfers, err := r.reader.Transfers(ctx, customer, start, end)
		if err != nil {
			return nil, fmt.Errorf("recon: %w", err)
		}
		for _, transfer := range transfers {
			transfersByHash[transfer.TxHash] = transfer
			transfersByCustomer[customer] = append(transfersByCustomer[customer], transfer)
		}
	}

	report := &Report{Start: start, End: end}
	matchedHashes := map[string]bool{}

	for _, entry := range entries {
		row := &ReportRow{
			EntryID:         entry.ID,
			Type:            entry.Type,
			CustomerAddress: entry.CustomerAddress,
			ShopID:          entry.ShopID,
			Delta:           entry.DeltaWei,
			TxHash:          entry.TxHash,
			CreatedAt:       entry.CreatedAt.UTC(),
			AgeAtRun:        now.Sub(entry.CreatedAt.UTC()),
		}
		report.Rows = append(report.Rows, row)

		if entry.TxHash != "" {
			matchedHashes[entry.TxHash] = true
			continue
		}
		// A submitted-but-unconfirmed entry whose transaction already appears
		// on-chain gets its hash recorded here instead of a pending flag.
		if hash := r.submittedHash(ctx, entry.ID); hash != "" {
			if _, ok := transfersByHash[hash]; ok {
				matchedHashes[hash] = true
				row.TxHash = hash
				if !dryRun {
					if err := r.confirmEntry(ctx, entry.ID, hash); err != nil {
						return nil, err
					}
				}
				continue
			}
		}
		switch entry.Type {
		case models.EntryRedeem, models.EntryBurn:
			r.flagPending(ctx, report, row, entry, now, FindingPendingBurn, FindingMissingBurn)
		case models.EntryEarn, models.EntryTierBonus, models.EntryReferralBonus, models.EntryMint:
			r.flagPending(ctx, report, row, entry, now, FindingPendingMint, FindingMissingMint)
		}
	}

	// On-chain supply events with no originating off-chain entry get a
	// compensating row so the ledger converges without editing history.
	for hash, transfer := range transfersByHash {
		if matchedHashes[hash] {
			continue
		}
		if r.hasEntryForHash(ctx, hash) {
			continue
		}
		finding := Finding{
			Kind:            FindingUnmatchedTransfer,
			CustomerAddress: transfer.Address,
			TxHash:          hash,
			Details:         fmt.Sprintf("on-chain %s of %s with no ledger entry", transfer.Direction, token.Format(transfer.AmountWei)),
		}
		report.Findings = append(report.Findings, finding)
		observability.ReconMetrics().Findings.WithLabelValues(FindingUnmatchedTransfer).Inc()
		if dryRun {
			continue
		}
		corrective, err := r.appendCorrective(ctx, transfer)
		if err != nil {
			return nil, err
		}
		report.Corrective = append(report.Corrective, *corrective)
	}

	r.checkBalanceDrift(ctx, report, customers, transfersByCustomer, now)

	report.Status = overallStatus(report.Findings)
	observability.ReconMetrics().Runs.WithLabelValues(string(report.Status)).Inc()
	observability.ReconMetrics().LastDrift.Set(float64(divergedCount(report.Findings)))

	if !dryRun && len(report.Rows) > 0 {
		files, err := r.writeReportFiles(start, end, report.Rows)
		if err != nil {
			return nil, err
		}
		report.Files = files
	}

	r.logger.Info("reconciliation run complete",
		slog.String("reason", string(report.Status)),
		slog.Int("rows", len(report.Rows)),
		slog.Int("findings", len(report.Findings)),
	)
	return report, nil
}

func (r *Reconciler) flagPending(ctx context.Context, report *Report, row *ReportRow, entry models.LedgerEntry, now time.Time, pendingKind, divergedKind string) {
	entryID := entry.ID
	if now.Sub(entry.CreatedAt.UTC()) <= r.gracePeriod {
		row.Finding = pendingKind
		report.Findings = append(report.Findings, Finding{
			Kind:            pendingKind,
			EntryID:         &entryID,
			CustomerAddress: entry.CustomerAddress,
			Details:         "awaiting on-chain confirmation within grace period",
		})
		observability.ReconMetrics().Findings.WithLabelValues(pendingKind).Inc()
		return
	}
	row.Finding = divergedKind
	finding := Finding{
		Kind:            divergedKind,
		EntryID:         &entryID,
		CustomerAddress: entry.CustomerAddress,
		Details:         fmt.Sprintf("no confirmed transaction %s after grace period", r.gracePeriod),
		Diverged:        true,
	}
	report.Findings = append(report.Findings, r.raise(ctx, finding))
	observability.ReconMetrics().Findings.WithLabelValues(divergedKind).Inc()
}

// checkBalanceDrift compares the summed ledger against the contract balance
// for customers with no in-flight entries. A drift on a fully-settled
// customer is a hard divergence.
func (r *Reconciler) checkBalanceDrift(ctx context.Context, report *Report, customers []string, transfers map[string][]chain.Transfer, now time.Time) {
	for _, customer := range customers {
		if hasOpenFindings(report.Findings, customer) {
			continue
		}
		var entries []models.LedgerEntry
		if err := r.db.WithContext(ctx).
			Where("customer_address = ?", customer).
			Find(&entries).Error; err != nil {
			r.logger.Error("balance drift check failed", slog.String("customer", customer), slog.String("error", err.Error()))
			continue
		}
		pending := false
		net := big.NewInt(0)
		for _, entry := range entries {
			if entry.TxHash == "" {
				pending = true
				break
			}
			delta, err := token.FromStored(entry.DeltaWei)
			if err != nil {
				pending = true
				break
			}
			net.Add(net, delta)
		}
		if pending {
			continue
		}
		onChain, err := r.reader.BalanceOf(ctx, customer)
		if err != nil {
			r.logger.Error("balance read failed", slog.String("customer", customer), slog.String("error", err.Error()))
			continue
		}
		if net.Cmp(onChain) != 0 {
			finding := Finding{
				Kind:            FindingBalanceDrift,
				CustomerAddress: customer,
				Details:         fmt.Sprintf("ledger net %s vs on-chain %s", token.Format(net), token.Format(onChain)),
				Diverged:        true,
			}
			report.Findings = append(report.Findings, r.raise(ctx, finding))
			observability.ReconMetrics().Findings.WithLabelValues(FindingBalanceDrift).Inc()
		}
	}
}

func (r *Reconciler) appendCorrective(ctx context.Context, transfer chain.Transfer) (*models.LedgerEntry, error) {
	entryType := models.EntryMint
	delta := new(big.Int).Set(transfer.AmountWei)
	if transfer.Direction == chain.DirectionBurn {
		entryType = models.EntryBurn
		delta.Neg(delta)
	}
	entry := models.LedgerEntry{
		ID:              uuid.New(),
		Type:            entryType,
		CustomerAddress: transfer.Address,
		DeltaWei:        token.ToStored(delta),
		TxHash:          transfer.TxHash,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("recon: append corrective entry: %w", err)
	}
	r.logger.Info("corrective entry appended",
		slog.String("customer", transfer.Address),
		slog.String("tx_hash", transfer.TxHash),
		slog.String("reason", string(entryType)),
	)
	return &entry, nil
}

func (r *Reconciler) submittedHash(ctx context.Context, entryID uuid.UUID) string {
	var attempt models.SettlementAttempt
	err := r.db.WithContext(ctx).
		Where("ledger_entry_id = ? AND tx_hash <> ?", entryID, "").
		Order("attempt DESC, created_at DESC").
		First(&attempt).Error
	if err != nil {
		return ""
	}
	return attempt.TxHash
}

func (r *Reconciler) confirmEntry(ctx context.Context, entryID uuid.UUID, txHash string) error {
	err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND tx_hash = ?", entryID, "").
		Update("tx_hash", txHash).Error
	if err != nil {
		return fmt.Errorf("recon: confirm entry %s: %w", entryID, err)
	}
	r.logger.Info("entry confirmed from chain history",
		slog.String("tx_hash", txHash),
	)
	return nil
}

func (r *Reconciler) hasEntryForHash(ctx context.Context, txHash string) bool {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("tx_hash = ?", txHash).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func (r *Reconciler) raise(ctx context.Context, finding Finding) Finding {
	if r.alert != nil {
		if err := r.alert(ctx, finding); err != nil {
			r.logger.Error("alert delivery failed", slog.String("error", err.Error()))
		}
	}
	return finding
}

func hasOpenFindings(findings []Finding, customer string) bool {
	for _, finding := range findings {
		if finding.CustomerAddress == customer {
			return true
		}
	}
	return false
}

func overallStatus(findings []Finding) Status {
	status := StatusConsistent
	for _, finding := range findings {
		if finding.Diverged {
			return StatusDiverged
		}
		status = StatusPending
	}
	return status
}

func divergedCount(findings []Finding) int {
	count := 0
	for _, finding := range findings {
		if finding.Diverged {
			count++
		}
	}
	return count
}
