package server

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/auth"
	"loyaltyd/balance"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/noncestore"
	"loyaltyd/session"
	"loyaltyd/signature"
	"loyaltyd/token"
)

const testSecret = "test-secret-0123456789"

type serverFixture struct {
	db       *gorm.DB
	server   *Server
	key      *ecdsa.PrivateKey
	customer string
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	t.Setenv("LOYALTYD_AUTH_SECRET", testSecret)

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

	calc := balance.NewCalculator(db, balance.RewardTable{}, nil)
	sessions, err := session.NewManager(session.Config{
		DB:         db,
		Calculator: calc,
		Nonces:     noncestore.New(db, nil),
		TTL:        10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Options{
		Issuer:    "loyaltyd",
		Audience:  "loyaltyd-api",
		SecretEnv: "LOYALTYD_AUTH_SECRET",
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv, err := New(Config{
		DB:       db,
		Sessions: sessions,
		Balances: calc,
		Recorder: ledger.NewRecorder(db, calc, nil, nil),
		Verifier: verifier,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &serverFixture{db: db, server: srv, key: key, customer: customer}
}

func bearerToken(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":  "loyaltyd",
		"aud":  "loyaltyd-api",
		"sub":  subject,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func (f *serverFixture) request(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) earn(t *testing.T, amount string) {
	t.Helper()
	entry := models.LedgerEntry{
		ID:              uuid.New(),
		Type:            models.EntryEarn,
		CustomerAddress: f.customer,
		DeltaWei:        token.ToStored(token.MustParse(amount)),
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	if err := f.db.Create(&entry).Error; err != nil {
		t.Fatalf("seed earn: %v", err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Code
}

func TestCreateSessionAndApprove(t *testing.T) {
	f := setupServer(t)
	f.earn(t, "1000")
	shopToken := bearerToken(t, "shop-1", auth.RoleShop)

	rec := f.request(t, http.MethodPost, "/v1/sessions", shopToken, map[string]string{
		"customer_address": f.customer,
		"amount":           "500",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ShopID != "shop-1" || created.Status != string(models.StatePending) {
		t.Fatalf("created = %+v", created)
	}
	if created.Message == "" {
		t.Fatal("pending session must carry the approval message")
	}

	sig, err := signature.Sign(created.Message, f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = f.request(t, http.MethodPost, "/v1/sessions/"+created.ID.String()+"/approve", shopToken, map[string]string{
		"signature": sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	var approved sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Status != string(models.StateConsumed) {
		t.Fatalf("status = %s", approved.Status)
	}

	// Replay the approval: the session is terminal now.
	rec = f.request(t, http.MethodPost, "/v1/sessions/"+created.ID.String()+"/approve", shopToken, map[string]string{
		"signature": sig,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "session_already_resolved" {
		t.Fatalf("replay code = %s", code)
	}
}

func TestCreateSessionInsufficientBalance(t *testing.T) {
	f := setupServer(t)
	f.earn(t, "100")
	rec := f.request(t, http.MethodPost, "/v1/sessions", bearerToken(t, "shop-1", auth.RoleShop), map[string]string{
		"customer_address": f.customer,
		"amount":           "2000",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "insufficient_balance" {
		t.Fatalf("code = %s", code)
	}
}

func TestApproveBadSignature(t *testing.T) {
	f := setupServer(t)
	f.earn(t, "1000")
	shopToken := bearerToken(t, "shop-1", auth.RoleShop)

	rec := f.request(t, http.MethodPost, "/v1/sessions", shopToken, map[string]string{
		"customer_address": f.customer,
		"amount":           "500",
	})
	var created sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	other, _ := ethcrypto.GenerateKey()
	sig, _ := signature.Sign(created.Message, other)
	rec = f.request(t, http.MethodPost, "/v1/sessions/"+created.ID.String()+"/approve", shopToken, map[string]string{
		"signature": sig,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "invalid_signature" {
		t.Fatalf("code = %s", code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/v1/sessions/"+uuid.NewString(), bearerToken(t, "shop-1", auth.RoleShop), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "session_not_found" {
		t.Fatalf("code = %s", code)
	}
}

func TestGetBalance(t *testing.T) {
	f := setupServer(t)
	f.earn(t, "300")
	rec := f.request(t, http.MethodGet, "/v1/balance/"+f.customer, bearerToken(t, "aud-1", auth.RoleAuditor), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["available_balance"] != "300" {
		t.Fatalf("available = %v", body["available_balance"])
	}
	if body["tier"] != "SILVER" {
		t.Fatalf("tier = %v", body["tier"])
	}
}

func TestRecordEarning(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodPost, "/v1/earnings", bearerToken(t, "shop-1", auth.RoleShop), map[string]any{
		"customer_address":    f.customer,
		"service_price_cents": 10_000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["base"] != "25" || body["bonus"] != "10" {
		t.Fatalf("body = %v", body)
	}
}

func TestRecordEarningBelowThreshold(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodPost, "/v1/earnings", bearerToken(t, "shop-1", auth.RoleShop), map[string]any{
		"customer_address":    f.customer,
		"service_price_cents": 100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "nothing_earned" {
		t.Fatalf("code = %s", code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/v1/balance/"+f.customer, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuditorCannotCreateSessions(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodPost, "/v1/sessions", bearerToken(t, "aud-1", auth.RoleAuditor), map[string]string{
		"customer_address": f.customer,
		"amount":           "10",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReconLatestEmpty(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/v1/recon/latest", bearerToken(t, "admin-1", auth.RoleAdmin), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	f := setupServer(t)
	f.earn(t, "1000")
	shopToken := bearerToken(t, "shop-1", auth.RoleShop)

	payload, _ := json.Marshal(map[string]string{
		"customer_address": f.customer,
		"amount":           "500",
	})
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(payload))
		req.Header.Set("Authorization", shopToken)
		req.Header.Set("Idempotency-Key", "key-123")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d: %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Body.String() != first.Body.String() {
		t.Fatal("idempotent replay must return the stored response")
	}

	var count int64
	if err := f.db.Model(&models.RedemptionSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("sessions = %d, want 1", count)
	}
}
