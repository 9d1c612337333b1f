package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/balance"
	"loyaltyd/models"
	"loyaltyd/noncestore"
	"loyaltyd/signature"
	"loyaltyd/token"
)

type managerFixture struct {
	db       *gorm.DB
	manager  *Manager
	key      *ecdsa.PrivateKey
	customer string
	now      time.Time
}

type deniedEligibility struct{}

func (deniedEligibility) Eligible(ctx context.Context, shopID string) (bool, error) {
	return false, nil
}

func setupManager(t *testing.T, opts ...func(*Config)) *managerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	customer := strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	fixture := &managerFixture{
		db:       db,
		key:      key,
		customer: customer,
		now:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		DB:         db,
		Calculator: balance.NewCalculator(db, balance.RewardTable{}, func() time.Time { return fixture.now }),
		Nonces:     noncestore.New(db, func() time.Time { return fixture.now }),
		TTL:        10 * time.Minute,
		Now:        func() time.Time { return fixture.now },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fixture.manager = manager
	return fixture
}

func (f *managerFixture) earn(t *testing.T, amount string) {
	t.Helper()
	entry := models.LedgerEntry{
		ID:              uuid.New(),
		Type:            models.EntryEarn,
		CustomerAddress: f.customer,
		DeltaWei:        token.ToStored(token.MustParse(amount)),
		CreatedAt:       f.now.Add(-time.Hour),
	}
	if err := f.db.Create(&entry).Error; err != nil {
		t.Fatalf("seed earn entry: %v", err)
	}
}

func (f *managerFixture) approve(t *testing.T, record *models.RedemptionSession) (*models.RedemptionSession, error) {
	t.Helper()
	amount, err := token.FromStored(record.AmountWei)
	if err != nil {
		t.Fatalf("decode amount: %v", err)
	}
	message := signature.CanonicalMessage(signature.Approval{
		SessionID:       record.ID,
		CustomerAddress: record.CustomerAddress,
		ShopID:          record.ShopID,
		AmountWei:       amount,
		ExpiresAt:       record.ExpiresAt,
	})
	sig, err := signature.Sign(message, f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return f.manager.ApproveSession(context.Background(), record.ID, sig)
}

func TestApproveConsumesSessionAndWritesLedger(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")

	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.Status != models.StatePending {
		t.Fatalf("status = %s, want PENDING", record.Status)
	}

	approved, err := f.approve(t, record)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.StateConsumed {
		t.Fatalf("status = %s, want CONSUMED", approved.Status)
	}

	var entry models.LedgerEntry
	if err := f.db.First(&entry, "session_id = ?", record.ID).Error; err != nil {
		t.Fatalf("load redeem entry: %v", err)
	}
	if entry.Type != models.EntryRedeem {
		t.Fatalf("entry type = %s", entry.Type)
	}
	if got := entry.DeltaWei; got != token.ToStored(token.MustParse("-500")) {
		t.Fatalf("delta = %s", got)
	}

	view, err := f.manager.calc.Compute(context.Background(), f.customer)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := token.Format(view.AvailableBalance); got != "500" {
		t.Fatalf("available after redeem = %s, want 500", got)
	}
}

func TestApproveReplayReportsAlreadyResolved(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.approve(t, record); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	_, err = f.approve(t, record)
	if !errors.Is(err, ErrSessionAlreadyResolved) {
		t.Fatalf("replay = %v, want ErrSessionAlreadyResolved", err)
	}

	var count int64
	if err := f.db.Model(&models.LedgerEntry{}).
		Where("type = ?", models.EntryRedeem).
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("redeem entries = %d, want exactly 1", count)
	}
}

func TestApproveConsumedNonceReportsReuse(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate an earlier consumption of the same nonce by a competing writer.
	seed := models.SessionNonce{Nonce: record.Nonce, SessionID: uuid.New(), CreatedAt: f.now}
	if err := f.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed nonce: %v", err)
	}

	_, err = f.approve(t, record)
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("approve = %v, want ErrNonceReused", err)
	}

	var reloaded models.RedemptionSession
	if err := f.db.First(&reloaded, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StatePending {
		t.Fatalf("status = %s, nonce failure must roll back the transition", reloaded.Status)
	}
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	_, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("2000"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("create = %v, want ErrInsufficientBalance", err)
	}
}

func TestApproveRechecksBalanceInsideTransaction(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("800"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Balance drops between creation and approval.
	drain := models.LedgerEntry{
		ID:              uuid.New(),
		Type:            models.EntryRedeem,
		CustomerAddress: f.customer,
		DeltaWei:        token.ToStored(token.MustParse("-700")),
		CreatedAt:       f.now,
	}
	if err := f.db.Create(&drain).Error; err != nil {
		t.Fatalf("seed drain: %v", err)
	}

	_, err = f.approve(t, record)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("approve = %v, want ErrInsufficientBalance", err)
	}
}

func TestApproveSecondSessionCannotOverdraw(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")

	first, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("800"))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := f.manager.CreateSession(context.Background(), "shop-2", f.customer, token.MustParse("800"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := f.approve(t, first); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	_, err = f.approve(t, second)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("approve second = %v, want ErrInsufficientBalance", err)
	}

	available, err := balance.Available(f.db, f.customer)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available.Sign() < 0 {
		t.Fatalf("available = %s, balance must never go negative", token.Format(available))
	}

	var reloaded models.RedemptionSession
	if err := f.db.First(&reloaded, "id = ?", second.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StatePending {
		t.Fatalf("status = %s, failed approval must leave the session pending", reloaded.Status)
	}
}

func TestApproveAfterExpiryMarksExpired(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.now = record.ExpiresAt.Add(time.Second)
	_, err = f.approve(t, record)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("approve = %v, want ErrSessionExpired", err)
	}

	var reloaded models.RedemptionSession
	if err := f.db.First(&reloaded, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StateExpired {
		t.Fatalf("status = %s, want EXPIRED", reloaded.Status)
	}

	var count int64
	if err := f.db.Model(&models.LedgerEntry{}).
		Where("session_id = ?", record.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("expired session must not produce a ledger entry")
	}
}

func TestApproveRejectsBadSignature(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	other, _ := ethcrypto.GenerateKey()
	amount, _ := token.FromStored(record.AmountWei)
	message := signature.CanonicalMessage(signature.Approval{
		SessionID:       record.ID,
		CustomerAddress: record.CustomerAddress,
		ShopID:          record.ShopID,
		AmountWei:       amount,
		ExpiresAt:       record.ExpiresAt,
	})
	sig, _ := signature.Sign(message, other)

	_, err = f.manager.ApproveSession(context.Background(), record.ID, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("approve = %v, want ErrInvalidSignature", err)
	}

	// A failed signature leaves the session pending; the real customer can
	// still approve.
	if _, err := f.approve(t, record); err != nil {
		t.Fatalf("legitimate approve after bad signature: %v", err)
	}
}

func TestRejectIsIdempotent(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rejected, err := f.manager.RejectSession(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.StateRejected {
		t.Fatalf("status = %s", rejected.Status)
	}
	if _, err := f.manager.RejectSession(context.Background(), record.ID); err != nil {
		t.Fatalf("repeat reject: %v", err)
	}

	_, err = f.approve(t, record)
	if !errors.Is(err, ErrSessionAlreadyResolved) {
		t.Fatalf("approve after reject = %v, want ErrSessionAlreadyResolved", err)
	}
}

func TestRejectConsumedSessionFails(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")
	record, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.approve(t, record); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = f.manager.RejectSession(context.Background(), record.ID)
	if !errors.Is(err, ErrSessionAlreadyResolved) {
		t.Fatalf("reject consumed = %v, want ErrSessionAlreadyResolved", err)
	}
}

func TestCreateRejectsIneligibleShop(t *testing.T) {
	f := setupManager(t, func(cfg *Config) {
		cfg.Eligibility = deniedEligibility{}
	})
	f.earn(t, "1000")
	_, err := f.manager.CreateSession(context.Background(), "shop-x", f.customer, token.MustParse("100"))
	if !errors.Is(err, ErrShopNotEligible) {
		t.Fatalf("create = %v, want ErrShopNotEligible", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := setupManager(t)
	_, err := f.manager.GetSession(context.Background(), uuid.New())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	f := setupManager(t)
	f.earn(t, "1000")

	first, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("100"))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := f.manager.CreateSession(context.Background(), "shop-1", f.customer, token.MustParse("100"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := f.approve(t, second); err != nil {
		t.Fatalf("approve second: %v", err)
	}

	f.now = first.ExpiresAt.Add(time.Minute)
	swept, err := f.manager.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	var reloaded models.RedemptionSession
	if err := f.db.First(&reloaded, "id = ?", first.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StateExpired {
		t.Fatalf("status = %s, want EXPIRED", reloaded.Status)
	}
}
