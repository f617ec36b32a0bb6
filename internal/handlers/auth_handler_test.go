package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"hasirumitra/internal/authz"
	"hasirumitra/internal/handlers"
	"hasirumitra/internal/models"
	"hasirumitra/internal/ratelimit"
	"hasirumitra/internal/repositories"
	"hasirumitra/internal/routes"
	"hasirumitra/internal/services"
	"hasirumitra/internal/utils"
)

type memIdentityRepo struct {
	mu       sync.Mutex
	nextID   int64
	byID     map[int64]*models.Identity
	byPhone  map[string]int64
	failWith error // when set, every call fails with it
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{nextID: 1, byID: map[int64]*models.Identity{}, byPhone: map[string]int64{}}
}

func (r *memIdentityRepo) fail() error {
	return r.failWith
}

func (r *memIdentityRepo) Create(ctx context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	if _, ok := r.byPhone[identity.Phone]; ok {
		return repositories.ErrDuplicatePhone
	}
	identity.ID = r.nextID
	r.nextID++
	identity.Active = true
	cp := *identity
	r.byID[identity.ID] = &cp
	r.byPhone[identity.Phone] = identity.ID
	return nil
}

func (r *memIdentityRepo) GetByID(ctx context.Context, id int64) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return nil, err
	}
	if i, ok := r.byID[id]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, nil
}

func (r *memIdentityRepo) GetByPhone(ctx context.Context, phone string) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return nil, err
	}
	if id, ok := r.byPhone[phone]; ok {
		cp := *r.byID[id]
		return &cp, nil
	}
	return nil, nil
}

func (r *memIdentityRepo) List(ctx context.Context, limit, offset int) ([]*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return nil, err
	}
	var res []*models.Identity
	for id := int64(1); id < r.nextID; id++ {
		if i, ok := r.byID[id]; ok {
			cp := *i
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (r *memIdentityRepo) GetCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return 0, err
	}
	return len(r.byID), nil
}

func (r *memIdentityRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.PasswordHash = passwordHash
	}
	return nil
}

func (r *memIdentityRepo) MarkVerified(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok && !i.Verified {
		i.Verified = true
		now := time.Now()
		i.VerifiedAt = &now
	}
	return nil
}

func (r *memIdentityRepo) SetActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.Active = active
	}
	return nil
}

type memCodeRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []*models.VerificationCode
}

func newMemCodeRepo() *memCodeRepo { return &memCodeRepo{nextID: 1} }

func (r *memCodeRepo) Issue(ctx context.Context, identityID int64, purpose, codeHash string, expiresAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.IdentityID == identityID && row.Purpose == purpose {
			row.Consumed = true
		}
	}
	row := &models.VerificationCode{
		ID:         r.nextID,
		IdentityID: identityID,
		Purpose:    purpose,
		CodeHash:   codeHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}
	r.nextID++
	r.rows = append(r.rows, row)
	return row.ID, nil
}

func (r *memCodeRepo) Current(ctx context.Context, identityID int64, purpose string) (*models.VerificationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.VerificationCode
	for _, row := range r.rows {
		if row.IdentityID != identityID || row.Purpose != purpose || row.Consumed || !row.ExpiresAt.After(time.Now()) {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memCodeRepo) Consume(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			if row.Consumed || !row.ExpiresAt.After(time.Now()) {
				return false, nil
			}
			row.Consumed = true
			return true, nil
		}
	}
	return false, nil
}

func (r *memCodeRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*models.VerificationCode
	var purged int64
	for _, row := range r.rows {
		if row.ExpiresAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return purged, nil
}

type memLinkRepo struct {
	mu     sync.Mutex
	byLink map[string]int64 // phone -> chat
}

func newMemLinkRepo() *memLinkRepo { return &memLinkRepo{byLink: map[string]int64{}} }

func (r *memLinkRepo) ChatIDByPhone(ctx context.Context, phone string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byLink[phone], nil
}

func (r *memLinkRepo) Upsert(ctx context.Context, phone string, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLink[phone] = chatID
	return nil
}

func (r *memLinkRepo) DeleteByChat(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for phone, id := range r.byLink {
		if id == chatID {
			delete(r.byLink, phone)
		}
	}
	return nil
}

type memGateway struct {
	mu   sync.Mutex
	sent []string
}

func (g *memGateway) Send(ctx context.Context, phone, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, message)
	return nil
}

func (g *memGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		t.Fatal("gateway has delivered nothing")
	}
	last := g.sent[len(g.sent)-1]
	idx := strings.LastIndex(last, ": ")
	if idx < 0 {
		t.Fatalf("unexpected message format: %q", last)
	}
	return last[idx+2:]
}

type memReplier struct {
	mu      sync.Mutex
	replies map[int64][]string
}

func newMemReplier() *memReplier { return &memReplier{replies: map[int64][]string{}} }

func (r *memReplier) Reply(chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[chatID] = append(r.replies[chatID], text)
	return nil
}

type testAPI struct {
	router     *gin.Engine
	gateway    *memGateway
	identities *memIdentityRepo
	links      *memLinkRepo
	replier    *memReplier
	tokens     *services.TokenService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	identities := newMemIdentityRepo()
	codes := newMemCodeRepo()
	links := newMemLinkRepo()
	gateway := &memGateway{}
	replier := newMemReplier()

	otp := services.NewOTPService(codes, ratelimit.New(rdb), services.OTPConfig{
		Digits:        6,
		TTL:           5 * time.Minute,
		MaxAttempts:   3,
		AttemptWindow: 15 * time.Minute,
		MaxSends:      3,
		SendWindow:    10 * time.Minute,
	}, utils.NewNumericCode)

	tokens, err := services.NewTokenService(services.TokenConfig{
		AccessSecret:  []byte("handler-access-secret"),
		RefreshSecret: []byte("handler-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	}, identities)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}

	auth := services.NewAuthService(identities, otp, tokens, gateway, nil)
	router := routes.SetupRoutes(gin.New(), tokens,
		handlers.NewAuthHandler(auth),
		handlers.NewAdminHandler(auth),
		handlers.NewTelegramHandler(links, replier),
	)
	return &testAPI{
		router:     router,
		gateway:    gateway,
		identities: identities,
		links:      links,
		replier:    replier,
		tokens:     tokens,
	}
}

func (a *testAPI) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) register(t *testing.T, phone string) int64 {
	t.Helper()
	w := a.post(t, "/auth/register", gin.H{"phone": phone, "password": "Secret123!$"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		IdentityID int64 `json:"identity_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.IdentityID
}

func TestRegisterConflictOnDuplicatePhone(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "+919876543210")

	w := api.post(t, "/auth/register", gin.H{"phone": "+919876543210", "password": "Another1!$"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", w.Code)
	}
}

func TestRegisterRejectsAdminRoleWithMessage(t *testing.T) {
	api := newTestAPI(t)

	w := api.post(t, "/auth/register", gin.H{"phone": "+919876543210", "password": "Secret123!$", "role_id": authz.RoleAdmin})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("admin self-register status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cannot self-register") {
		t.Fatalf("validation message lost: %s", w.Body.String())
	}
}

func TestRegisterInternalErrorIsOpaque(t *testing.T) {
	api := newTestAPI(t)
	api.identities.failWith = errors.New(`pq: relation "identities" does not exist`)

	w := api.post(t, "/auth/register", gin.H{"phone": "+919876543210", "password": "Secret123!$"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("internal failure status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "identities") || strings.Contains(w.Body.String(), "pq:") {
		t.Fatalf("response leaks internals: %s", w.Body.String())
	}
}

func TestStoreOutageReturns503NotAuthFailure(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "+919876543210")
	api.identities.failWith = fmt.Errorf("identity get: %w",
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

	w := api.post(t, "/auth/login", gin.H{"phone": "+919876543210", "password": "Secret123!$"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("login during outage status = %d, want 503", w.Code)
	}
}

func TestRegisterVerifyLoginRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")

	w := api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", w.Code, w.Body.String())
	}
	var verified struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verified); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	if verified.Tokens.AccessToken == "" || verified.Tokens.RefreshToken == "" {
		t.Fatal("verify response carries no credential pair")
	}

	w = api.post(t, "/auth/login", gin.H{"phone": "+919876543210", "password": "Secret123!$"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "password_hash") {
		t.Fatal("login response leaks the password hash")
	}
}

func TestLoginPendingVerification(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")

	w := api.post(t, "/auth/login", gin.H{"phone": "+919876543210", "password": "Secret123!$"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("pending login status = %d, want 401", w.Code)
	}
	var resp struct {
		Code       string `json:"code"`
		IdentityID int64  `json:"identity_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode pending login response: %v", err)
	}
	if resp.Code != "verification_required" || resp.IdentityID != id {
		t.Fatalf("pending login response = %s", w.Body.String())
	}
}

func TestVerifyLockoutCarriesRetryAfter(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")

	for i := 0; i < 3; i++ {
		w := api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": "000000"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d status = %d, want 400", i+1, w.Code)
		}
	}

	w := api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked-out verify status = %d, want 429", w.Code)
	}
	retryAfter := w.Header().Get("Retry-After")
	if retryAfter == "" || retryAfter == "0" {
		t.Fatalf("Retry-After = %q, want positive seconds", retryAfter)
	}
}

func TestResendThrottleReturns429(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")

	for i := 0; i < 3; i++ {
		w := api.post(t, "/auth/resend", gin.H{"identity_id": id})
		if w.Code != http.StatusOK {
			t.Fatalf("resend %d status = %d, body = %s", i+1, w.Code, w.Body.String())
		}
	}
	w := api.post(t, "/auth/resend", gin.H{"identity_id": id})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-budget resend status = %d, want 429", w.Code)
	}
}

func TestResendUnknownIdentityReturns404(t *testing.T) {
	api := newTestAPI(t)

	w := api.post(t, "/auth/resend", gin.H{"identity_id": 42})
	if w.Code != http.StatusNotFound {
		t.Fatalf("resend unknown status = %d, want 404", w.Code)
	}
}

func TestForgotPasswordAckIsByteIdentical(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")
	api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})

	known := api.post(t, "/auth/password/forgot", gin.H{"phone": "+919876543210"})
	unknown := api.post(t, "/auth/password/forgot", gin.H{"phone": "+910000000000"})

	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("forgot statuses = %d/%d, want 200/200", known.Code, unknown.Code)
	}
	if !bytes.Equal(known.Body.Bytes(), unknown.Body.Bytes()) {
		t.Fatalf("ack bodies differ: %q vs %q", known.Body.String(), unknown.Body.String())
	}
}

func TestResetPasswordFlow(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")
	api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})

	api.post(t, "/auth/password/forgot", gin.H{"phone": "+919876543210"})
	code := api.gateway.lastCode(t)

	w := api.post(t, "/auth/password/reset", gin.H{"identity_id": id, "code": code, "new_password": "NewSecret1!$"})
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body = %s", w.Code, w.Body.String())
	}

	// Old password out, new password in.
	if w := api.post(t, "/auth/login", gin.H{"phone": "+919876543210", "password": "Secret123!$"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("old password login status = %d, want 401", w.Code)
	}
	if w := api.post(t, "/auth/login", gin.H{"phone": "+919876543210", "password": "NewSecret1!$"}); w.Code != http.StatusOK {
		t.Fatalf("new password login status = %d, want 200", w.Code)
	}
}

func TestRefreshEndpointRotatesTokens(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")

	w := api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})
	var verified struct {
		Tokens struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verified); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}

	w = api.post(t, "/auth/refresh", gin.H{"refresh_token": verified.Tokens.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}

	if w := api.post(t, "/auth/refresh", gin.H{"refresh_token": "garbage"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage refresh status = %d, want 401", w.Code)
	}
}

func (a *testAPI) adminToken(t *testing.T) string {
	t.Helper()
	admin := &models.Identity{Phone: "+911110001111", PasswordHash: "x", RoleID: authz.RoleAdmin}
	if err := a.identities.Create(context.Background(), admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := a.identities.MarkVerified(context.Background(), admin.ID); err != nil {
		t.Fatalf("verify admin: %v", err)
	}
	pair, err := a.tokens.Issue(admin)
	if err != nil {
		t.Fatalf("issue admin tokens: %v", err)
	}
	return pair.AccessToken
}

func (a *testAPI) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	api := newTestAPI(t)
	id := api.register(t, "+919876543210")
	w := api.post(t, "/auth/verify", gin.H{"identity_id": id, "code": api.gateway.lastCode(t)})
	var verified struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verified); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}

	if w := api.get(t, "/admin/identities", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous admin list status = %d, want 401", w.Code)
	}
	// A farmer token authenticates but lacks the role.
	if w := api.get(t, "/admin/identities", verified.Tokens.AccessToken); w.Code != http.StatusForbidden {
		t.Fatalf("farmer admin list status = %d, want 403", w.Code)
	}
}

func TestAdminListReturnsItemsAndTotal(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "+919876543210")
	token := api.adminToken(t)

	w := api.get(t, "/admin/identities", token)
	if w.Code != http.StatusOK {
		t.Fatalf("admin list status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Items []models.Identity `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(resp.Items) != 2 || resp.Total != 2 {
		t.Fatalf("list = %d items, total %d, want 2 and 2", len(resp.Items), resp.Total)
	}
}

func TestTelegramWebhookLinksAndUnlinksChat(t *testing.T) {
	api := newTestAPI(t)

	// Contact share without a leading plus links the E.164 phone.
	w := api.post(t, "/integrations/telegram/webhook", gin.H{
		"message": gin.H{
			"chat":    gin.H{"id": 777},
			"from":    gin.H{"id": 42},
			"contact": gin.H{"phone_number": "919876543210", "user_id": 42},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", w.Code)
	}
	chatID, _ := api.links.ChatIDByPhone(context.Background(), "+919876543210")
	if chatID != 777 {
		t.Fatalf("linked chat = %d, want 777", chatID)
	}
	if len(api.replier.replies[777]) == 0 {
		t.Fatal("no confirmation reply sent")
	}

	w = api.post(t, "/integrations/telegram/webhook", gin.H{
		"message": gin.H{
			"chat": gin.H{"id": 777},
			"text": "/stop",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unlink webhook status = %d, want 200", w.Code)
	}
	chatID, _ = api.links.ChatIDByPhone(context.Background(), "+919876543210")
	if chatID != 0 {
		t.Fatalf("chat still linked after /stop: %d", chatID)
	}
}

func TestTelegramWebhookRejectsForeignContact(t *testing.T) {
	api := newTestAPI(t)

	w := api.post(t, "/integrations/telegram/webhook", gin.H{
		"message": gin.H{
			"chat":    gin.H{"id": 777},
			"from":    gin.H{"id": 42},
			"contact": gin.H{"phone_number": "+919876543210", "user_id": 99},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", w.Code)
	}
	if chatID, _ := api.links.ChatIDByPhone(context.Background(), "+919876543210"); chatID != 0 {
		t.Fatalf("forwarded contact linked a chat: %d", chatID)
	}
}
