package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hasirumitra/internal/models"
	"hasirumitra/internal/ratelimit"
	"hasirumitra/internal/repositories"
)

// ---- identity store fake

type fakeIdentityRepo struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*models.Identity
	byPhone map[string]int64
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		nextID:  1,
		byID:    map[int64]*models.Identity{},
		byPhone: map[string]int64{},
	}
}

func (r *fakeIdentityRepo) Create(ctx context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPhone[identity.Phone]; ok {
		return repositories.ErrDuplicatePhone
	}
	identity.ID = r.nextID
	r.nextID++
	identity.Active = true
	identity.CreatedAt = time.Now()
	identity.UpdatedAt = identity.CreatedAt
	cp := *identity
	r.byID[identity.ID] = &cp
	r.byPhone[identity.Phone] = identity.ID
	return nil
}

func (r *fakeIdentityRepo) get(id int64) *models.Identity {
	if i, ok := r.byID[id]; ok {
		cp := *i
		return &cp
	}
	return nil
}

func (r *fakeIdentityRepo) GetByID(ctx context.Context, id int64) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id), nil
}

func (r *fakeIdentityRepo) GetByPhone(ctx context.Context, phone string) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPhone[phone]; ok {
		return r.get(id), nil
	}
	return nil, nil
}

func (r *fakeIdentityRepo) List(ctx context.Context, limit, offset int) ([]*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*models.Identity
	for id := int64(1); id < r.nextID; id++ {
		if i := r.get(id); i != nil {
			res = append(res, i)
		}
	}
	return res, nil
}

func (r *fakeIdentityRepo) GetCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID), nil
}

func (r *fakeIdentityRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.PasswordHash = passwordHash
	}
	return nil
}

func (r *fakeIdentityRepo) MarkVerified(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok && !i.Verified {
		i.Verified = true
		now := time.Now()
		i.VerifiedAt = &now
	}
	return nil
}

func (r *fakeIdentityRepo) SetActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.Active = active
	}
	return nil
}

// ---- verification code store fake

type fakeCodeRow struct {
	id         int64
	identityID int64
	purpose    string
	codeHash   string
	expiresAt  time.Time
	consumed   bool
	createdAt  time.Time
}

type fakeCodeRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []*fakeCodeRow
}

func newFakeCodeRepo() *fakeCodeRepo {
	return &fakeCodeRepo{nextID: 1}
}

func (r *fakeCodeRepo) Issue(ctx context.Context, identityID int64, purpose, codeHash string, expiresAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.identityID == identityID && row.purpose == purpose && !row.consumed {
			row.consumed = true
		}
	}
	row := &fakeCodeRow{
		id:         r.nextID,
		identityID: identityID,
		purpose:    purpose,
		codeHash:   codeHash,
		expiresAt:  expiresAt,
		createdAt:  time.Now(),
	}
	r.nextID++
	r.rows = append(r.rows, row)
	return row.id, nil
}

func (r *fakeCodeRepo) Current(ctx context.Context, identityID int64, purpose string) (*models.VerificationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *fakeCodeRow
	for _, row := range r.rows {
		if row.identityID != identityID || row.purpose != purpose {
			continue
		}
		if row.consumed || !row.expiresAt.After(time.Now()) {
			continue
		}
		if latest == nil || row.createdAt.After(latest.createdAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	return &models.VerificationCode{
		ID:         latest.id,
		IdentityID: latest.identityID,
		Purpose:    latest.purpose,
		CodeHash:   latest.codeHash,
		ExpiresAt:  latest.expiresAt,
		Consumed:   latest.consumed,
		CreatedAt:  latest.createdAt,
	}, nil
}

func (r *fakeCodeRepo) Consume(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.id == id {
			if row.consumed || !row.expiresAt.After(time.Now()) {
				return false, nil
			}
			row.consumed = true
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeCodeRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*fakeCodeRow
	var purged int64
	for _, row := range r.rows {
		if row.expiresAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return purged, nil
}

// expire backdates the live code for the pair, as if its TTL elapsed.
func (r *fakeCodeRepo) expire(identityID int64, purpose string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.identityID == identityID && row.purpose == purpose && !row.consumed {
			row.expiresAt = time.Now().Add(-time.Minute)
		}
	}
}

// ---- delivery gateway fake

type fakeGateway struct {
	mu       sync.Mutex
	sent     []string // "phone|message"
	failNext bool
}

func (g *fakeGateway) Send(ctx context.Context, phone, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext {
		g.failNext = false
		return context.DeadlineExceeded
	}
	g.sent = append(g.sent, phone+"|"+message)
	return nil
}

func (g *fakeGateway) lastCode(t *testing.T) string {
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

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// ---- limiter backed by miniredis

func newTestLimiter(t *testing.T) (*miniredis.Miniredis, *ratelimit.Limiter) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, ratelimit.New(rdb)
}
