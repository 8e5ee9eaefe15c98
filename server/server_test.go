package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"merchrewards/auth"
	"merchrewards/claims"
	"merchrewards/eligibility"
	"merchrewards/guard"
	"merchrewards/models"
	"merchrewards/permit"
	"merchrewards/reconcile"
	"merchrewards/settle"
	"merchrewards/signer"
)

const (
	testKeyHex   = "4c0883a69102937d6231471b5dbb6204fe51296170827936ea5cce4b76994b0f"
	testWallet   = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	otherWallet  = "0x1111111111111111111111111111111111111111"
	jwtSecret    = "test-secret"
	testContract = "0x00000000000000000000000000000000000000aa"
)

func testHash(seed byte) string {
	h := "0x"
	for i := 0; i < 32; i++ {
		h += fmt.Sprintf("%02x", seed)
	}
	return h
}

type stubExecClient struct {
	hash string
	err  error
}

func (s *stubExecClient) Execute(_ context.Context, _ settle.ExecutionRequest) (*settle.ExecutionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &settle.ExecutionResult{TransactionHash: s.hash}, nil
}

type testEnv struct {
	db     *gorm.DB
	server *Server
	store  *claims.Store
}

func setupServer(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	sgn, err := signer.NewFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	domain := permit.Domain{
		Name:              "MerchRewards",
		Version:           "1",
		ChainID:           8453,
		VerifyingContract: testContract,
	}
	store := claims.NewStore(db, time.Now)
	rec := reconcile.New(reconcile.Config{
		DB:            db,
		Claims:        store,
		SignerAddress: sgn.Address(),
		Domain:        domain,
	})
	issuer := &permit.Issuer{Signer: sgn, Domain: domain}
	exec := settle.NewExecutor(store, &stubExecClient{hash: testHash(0xee)}, rec)

	cfg := Config{
		DB:         db,
		Claims:     store,
		Issuer:     issuer,
		Guard:      guard.New(db),
		Reconciler: rec,
		Executor:   exec,
		Domain:     domain,
		TokenAddr:  "0x00000000000000000000000000000000000000bb",
		Auth: auth.Options{
			Secret:   jwtSecret,
			Issuer:   "merchrewards",
			Audience: "merchrewards-api",
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testEnv{db: db, server: New(cfg), store: store}
}

func mintToken(t *testing.T, subject string, role auth.Role, wallets ...string) string {
	t.Helper()
	walletClaims := make([]interface{}, 0, len(wallets))
	for _, w := range wallets {
		walletClaims = append(walletClaims, w)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     subject,
		"iss":     "merchrewards",
		"aud":     "merchrewards-api",
		"exp":     time.Now().Add(time.Hour).Unix(),
		"role":    string(role),
		"wallets": walletClaims,
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestPermitIssuanceAndDailyConfirmation(t *testing.T) {
	env := setupServer(t)
	member := mintToken(t, "42", auth.RoleMember, testWallet)

	w := env.do(t, http.MethodPost, "/api/v1/permits", member, map[string]string{"wallet": testWallet}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	issued := decodeBody[permitResponse](t, w)
	if issued.Permit.Wallet != testWallet || issued.Signature == "" {
		t.Fatalf("unexpected permit response %+v", issued)
	}
	if issued.ContractAddress != testContract {
		t.Fatalf("expected contract %s, got %s", testContract, issued.ContractAddress)
	}

	// Confirm the on-chain use with the echoed permit.
	w = env.do(t, http.MethodPost, "/api/v1/confirmations", member, confirmRequest{
		TransactionHash: testHash(0x01),
		Permit:          &issued.Permit,
		PermitSignature: issued.Signature,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The window is now consumed: a new permit request reports when the
	// next window opens.
	w = env.do(t, http.MethodPost, "/api/v1/permits", member, map[string]string{"wallet": testWallet}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	rejection := decodeBody[errorBody](t, w)
	if rejection.Code != "window_completed" || rejection.NextWindowStart == nil {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
	if *rejection.NextWindowStart <= issued.Permit.WindowStart {
		t.Fatal("next window must be after the current one")
	}
}

func TestPermitSkipsEligibilityWithoutThreshold(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()
	elig, err := eligibility.NewClient(eligibility.Config{BaseURL: backend.URL})
	if err != nil {
		t.Fatalf("eligibility client: %v", err)
	}

	env := setupServer(t, func(cfg *Config) { cfg.Eligibility = elig })
	member := mintToken(t, "42", auth.RoleMember, testWallet)

	// The daily class carries no score threshold, so issuance must not
	// consult the eligibility service at all.
	w := env.do(t, http.MethodPost, "/api/v1/permits", member, map[string]string{"wallet": testWallet}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("expected no eligibility lookups, got %d", got)
	}
}

func TestPermitRejectsUnboundWallet(t *testing.T) {
	env := setupServer(t)
	member := mintToken(t, "42", auth.RoleMember, testWallet)

	w := env.do(t, http.MethodPost, "/api/v1/permits", member, map[string]string{"wallet": otherWallet}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody[errorBody](t, w); body.Code != "wallet_not_bound" {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/permits", "", map[string]string{"wallet": testWallet}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	member := mintToken(t, "42", auth.RoleMember, testWallet)
	w = env.do(t, http.MethodPost, "/ops/claims", member, createClaimRequest{}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member on ops surface, got %d", w.Code)
	}
}

func TestPayoutLifecycleOverHTTP(t *testing.T) {
	env := setupServer(t)
	operator := mintToken(t, "1", auth.RoleOperator)
	member := mintToken(t, "42", auth.RoleMember, testWallet)

	w := env.do(t, http.MethodPost, "/ops/claims", operator, createClaimRequest{
		RewardClass: string(models.ClassTaskReward),
		SubjectID:   42,
		Recipient:   testWallet,
		Amount:      "5000000000000000000",
		Reference:   "task-99",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[models.ClaimRecord](t, w)
	if created.Status != models.StatusClaimable {
		t.Fatalf("expected claimable, got %s", created.Status)
	}

	// The owner fetches the signed claim data.
	w = env.do(t, http.MethodGet, "/api/v1/claims/"+created.ID.String(), member, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeBody[claimDataResponse](t, w)
	if data.Signature == "" || data.Amount != "5000000000000000000" {
		t.Fatalf("unexpected claim data %+v", data)
	}
	if data.ContractAddress != testContract {
		t.Fatalf("expected contract %s, got %s", testContract, data.ContractAddress)
	}

	// A stranger sees the record as absent.
	stranger := mintToken(t, "77", auth.RoleMember, otherWallet)
	w = env.do(t, http.MethodGet, "/api/v1/claims/"+created.ID.String(), stranger, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign subject, got %d", w.Code)
	}

	// A stranger cannot confirm it either.
	w = env.do(t, http.MethodPost, "/api/v1/confirmations", stranger, confirmRequest{
		TransactionHash: testHash(0x02),
		RecordIDs:       []string{created.ID.String()},
	}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign confirmation, got %d: %s", w.Code, w.Body.String())
	}

	// The owner confirms.
	w = env.do(t, http.MethodPost, "/api/v1/confirmations", member, confirmRequest{
		TransactionHash: testHash(0x02),
		RecordIDs:       []string{created.ID.String()},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody[reconcile.Result](t, w)
	if result.Count != 1 || result.TransactionHash != testHash(0x02) {
		t.Fatalf("unexpected result %+v", result)
	}

	// Same hash against a fresh record is replay.
	w = env.do(t, http.MethodPost, "/ops/claims", operator, createClaimRequest{
		RewardClass: string(models.ClassTaskReward),
		SubjectID:   42,
		Recipient:   testWallet,
		Amount:      "100",
		Reference:   "task-100",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	second := decodeBody[models.ClaimRecord](t, w)
	w = env.do(t, http.MethodPost, "/api/v1/confirmations", member, confirmRequest{
		TransactionHash: testHash(0x02),
		RecordIDs:       []string{second.ID.String()},
	}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused hash, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody[errorBody](t, w); body.Code != "hash_reused" {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestBackendExecutionOverHTTP(t *testing.T) {
	env := setupServer(t)
	operator := mintToken(t, "1", auth.RoleOperator)

	w := env.do(t, http.MethodPost, "/ops/claims", operator, createClaimRequest{
		RewardClass: string(models.ClassBountyPayout),
		SubjectID:   42,
		Recipient:   testWallet,
		Amount:      "12345",
		Reference:   "bounty-1",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[models.ClaimRecord](t, w)

	w = env.do(t, http.MethodPost, "/ops/claims/"+created.ID.String()+"/execute", operator, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	settled := decodeBody[models.ClaimRecord](t, w)
	if settled.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}

	// Executing a settled claim conflicts.
	w = env.do(t, http.MethodPost, "/ops/claims/"+created.ID.String()+"/execute", operator, nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on re-execution, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	env := setupServer(t)
	operator := mintToken(t, "1", auth.RoleOperator)
	headers := map[string]string{"Idempotency-Key": "op-create-1"}

	body := createClaimRequest{
		RewardClass: string(models.ClassTaskReward),
		SubjectID:   42,
		Recipient:   testWallet,
		Amount:      "777",
		Reference:   "task-7",
	}
	first := env.do(t, http.MethodPost, "/ops/claims", operator, body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/ops/claims", operator, body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatal("idempotent replay must return the stored response")
	}

	var count int64
	if err := env.db.Model(&models.ClaimRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single record, got %d", count)
	}
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
