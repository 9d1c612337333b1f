package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyaltyd/balance"
	"loyaltyd/models"
	"loyaltyd/noncestore"
	"loyaltyd/observability"
	"loyaltyd/observability/logging"
	"loyaltyd/signature"
	"loyaltyd/token"
)

var (
	// ErrSessionNotFound indicates the supplied session identifier is unknown.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionExpired indicates the approval arrived after the expiry window.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionAlreadyResolved indicates the session reached a terminal state.
	ErrSessionAlreadyResolved = errors.New("session: already resolved")
	// ErrInsufficientBalance indicates the amount exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("session: insufficient balance")
	// ErrShopNotEligible indicates the shop failed the eligibility check.
	ErrShopNotEligible = errors.New("session: shop not eligible")
	// ErrInvalidSignature indicates the approval signature did not recover to
	// the session's customer.
	ErrInvalidSignature = errors.New("session: invalid signature")
	// ErrNonceReused mirrors the nonce store sentinel at the manager boundary.
	ErrNonceReused = noncestore.ErrNonceReused
)

// Config captures the dependencies required to construct a Manager.
type Config struct {
	DB          *gorm.DB
	Calculator  *balance.Calculator
	Nonces      *noncestore.Store
	Eligibility EligibilityChecker
	TTL         time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Manager owns the redemption session state machine. All mutating operations
// touching a session, its nonce, and its ledger entry run as one database
// transaction with the session row locked, so two concurrent approvals of the
// same session cannot both succeed.
type Manager struct {
	db          *gorm.DB
	calc        *balance.Calculator
	nonces      *noncestore.Store
	eligibility EligibilityChecker
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewManager builds a configured manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, errors.New("session: db is required")
	}
	if cfg.Calculator == nil {
		return nil, errors.New("session: calculator is required")
	}
	if cfg.Nonces == nil {
		return nil, errors.New("session: nonce store is required")
	}
	if cfg.Eligibility == nil {
		cfg.Eligibility = StaticEligibility{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		db:          cfg.DB,
		calc:        cfg.Calculator,
		nonces:      cfg.Nonces,
		eligibility: cfg.Eligibility,
		ttl:         cfg.TTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

// CreateSession opens a pending redemption session for the shop against the
// customer's current spendable balance. The balance is re-validated again at
// approval time; this check exists so shops get an immediate answer.
func (m *Manager) CreateSession(ctx context.Context, shopID, customerAddress string, amountWei *big.Int) (*models.RedemptionSession, error) {
	shop := strings.TrimSpace(shopID)
	if shop == "" {
		return nil, fmt.Errorf("session: shop id is required")
	}
	customer, err := signature.NormalizeAddress(customerAddress)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, fmt.Errorf("session: amount must be positive")
	}

	eligible, err := m.eligibility.Eligible(ctx, shop)
	if err != nil {
		return nil, fmt.Errorf("session: eligibility check: %w", err)
	}
	if !eligible {
		return nil, ErrShopNotEligible
	}

	view, err := m.calc.Compute(ctx, customer)
	if err != nil {
		return nil, err
	}
	if amountWei.Cmp(view.AvailableBalance) > 0 {
		return nil, ErrInsufficientBalance
	}

	now := m.now().UTC()
	record := models.RedemptionSession{
		ID:              uuid.New(),
		CustomerAddress: customer,
		ShopID:          shop,
		AmountWei:       token.ToStored(amountWei),
		Nonce:           newNonce(),
		Status:          models.StatePending,
		ExpiresAt:       now.Add(m.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("session: persist: %w", err)
	}
	observability.SessionMetrics().Created.Inc()
	m.logger.Info("session created",
		slog.String("session_id", record.ID.String()),
		slog.String("shop_id", shop),
		slog.String("customer", customer),
	)
	return &record, nil
}

// ApproveSession validates the customer's signature and, in one atomic unit,
// marks the session consumed, appends the redeem ledger entry, and consumes
// the nonce. Partial application of those three writes is the bug class this
// method exists to prevent; any error rolls back all of them.
func (m *Manager) ApproveSession(ctx context.Context, sessionID uuid.UUID, signatureHex string) (*models.RedemptionSession, error) {
	var approved models.RedemptionSession
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var peek models.RedemptionSession
		if err := tx.First(&peek, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		// Lock every pending session for the customer, in id order, before
		// the balance check. Concurrent approvals of different sessions for
		// the same customer serialize on these rows; otherwise both could
		// read the pre-redeem sum and overdraw the balance together.
		var pending []models.RedemptionSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("customer_address = ? AND status = ?", peek.CustomerAddress, models.StatePending).
			Order("id ASC").
			Find(&pending).Error; err != nil {
			return err
		}
		var record models.RedemptionSession
		held := false
		for _, candidate := range pending {
			if candidate.ID == sessionID {
				record = candidate
				held = true
				break
			}
		}
		if !held {
			return ErrSessionAlreadyResolved
		}

		now := m.now().UTC()
		if now.After(record.ExpiresAt) {
			return errApprovalExpired
		}

		amount, err := token.FromStored(record.AmountWei)
		if err != nil {
			return fmt.Errorf("session: decode amount: %w", err)
		}
		message := signature.CanonicalMessage(signature.Approval{
			SessionID:       record.ID,
			CustomerAddress: record.CustomerAddress,
			ShopID:          record.ShopID,
			AmountWei:       amount,
			ExpiresAt:       record.ExpiresAt,
		})
		if !signature.Verify(message, signatureHex, record.CustomerAddress) {
			m.logger.Warn("approval signature rejected",
				slog.String("session_id", record.ID.String()),
				logging.MaskField("signature", signatureHex),
			)
			return ErrInvalidSignature
		}

		if err := m.nonces.Reserve(tx, record.Nonce, record.ID); err != nil {
			return err
		}

		// Balance can change between creation and approval; re-check inside
		// the transaction so the redeem write sees the same snapshot.
		available, err := balance.Available(tx, record.CustomerAddress)
		if err != nil {
			return err
		}
		if amount.Cmp(available) > 0 {
			return ErrInsufficientBalance
		}

		res := tx.Model(&models.RedemptionSession{}).
			Where("id = ? AND status = ?", record.ID, models.StatePending).
			Updates(map[string]interface{}{"status": models.StateConsumed, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrSessionAlreadyResolved
		}

		sid := record.ID
		entry := models.LedgerEntry{
			ID:              uuid.New(),
			Type:            models.EntryRedeem,
			CustomerAddress: record.CustomerAddress,
			ShopID:          record.ShopID,
			DeltaWei:        token.ToStored(new(big.Int).Neg(amount)),
			SessionID:       &sid,
			CreatedAt:       now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("session: write redeem entry: %w", err)
		}

		record.Status = models.StateConsumed
		record.UpdatedAt = now
		approved = record
		return nil
	})
	if err != nil {
		return nil, m.resolveApprovalError(ctx, sessionID, err)
	}

	observability.SessionMetrics().Resolved.WithLabelValues("consumed").Inc()
	m.logger.Info("session consumed",
		slog.String("session_id", approved.ID.String()),
		slog.String("customer", approved.CustomerAddress),
	)
	return &approved, nil
}

// errApprovalExpired is internal: the approval transaction rolls back, then
// the expiry transition is committed separately before surfacing
// ErrSessionExpired to the caller.
var errApprovalExpired = errors.New("session: approval past expiry")

func (m *Manager) resolveApprovalError(ctx context.Context, sessionID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, errApprovalExpired):
		if _, expireErr := m.expire(ctx, sessionID); expireErr != nil {
			m.logger.Error("expire on late approval failed",
				slog.String("session_id", sessionID.String()),
				slog.String("error", expireErr.Error()),
			)
		}
		return ErrSessionExpired
	case errors.Is(err, ErrNonceReused):
		observability.SessionMetrics().NonceReplays.Inc()
	}
	return err
}

// RejectSession transitions a pending session to rejected. Repeating the call
// on an already-rejected session is a no-op; any other terminal state reports
// ErrSessionAlreadyResolved.
func (m *Manager) RejectSession(ctx context.Context, sessionID uuid.UUID) (*models.RedemptionSession, error) {
	var rejected models.RedemptionSession
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.RedemptionSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&record, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if record.Status == models.StateRejected {
			rejected = record
			return nil
		}
		if !transitionAllowed(record.Status, models.StateRejected) {
			return ErrSessionAlreadyResolved
		}
		now := m.now().UTC()
		if err := tx.Model(&models.RedemptionSession{}).
			Where("id = ?", record.ID).
			Updates(map[string]interface{}{"status": models.StateRejected, "updated_at": now}).Error; err != nil {
			return err
		}
		record.Status = models.StateRejected
		record.UpdatedAt = now
		rejected = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.SessionMetrics().Resolved.WithLabelValues("rejected").Inc()
	return &rejected, nil
}

// GetSession loads a session by identifier.
func (m *Manager) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.RedemptionSession, error) {
	var record models.RedemptionSession
	if err := m.db.WithContext(ctx).First(&record, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &record, nil
}

// SweepExpired transitions every pending session past its expiry to expired
// and returns the count. Run periodically by the background sweeper.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	res := m.db.WithContext(ctx).Model(&models.RedemptionSession{}).
		Where("status = ? AND expires_at < ?", models.StatePending, now).
		Updates(map[string]interface{}{"status": models.StateExpired, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		observability.SessionMetrics().Resolved.WithLabelValues("expired").Add(float64(res.RowsAffected))
		m.logger.Info("expired sessions swept", slog.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// RunSweeper loops SweepExpired on the interval until the context is
// cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) expire(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	now := m.now().UTC()
	res := m.db.WithContext(ctx).Model(&models.RedemptionSession{}).
		Where("id = ? AND status = ?", sessionID, models.StatePending).
		Updates(map[string]interface{}{"status": models.StateExpired, "updated_at": now})
	if res.RowsAffected > 0 {
		observability.SessionMetrics().Resolved.WithLabelValues("expired").Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, res.Error
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}
