// Package quota decides whether a caller may generate another speech:
// registered users with a per-account allowance, supporter tiers unlocked
// by redeemable codes, and anonymous callers limited per IP and month.
package quota

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/pool"
	"go.uber.org/zap"
)

var (
	ErrUnknownUser        = errors.New("invalid user key")
	ErrAllowanceExhausted = errors.New("free speech limit reached")
	ErrAnonymousLimit     = errors.New("anonymous monthly limit reached")
	ErrDeviceLimit        = errors.New("maximum accounts reached for this device")
	ErrInvalidCode        = errors.New("invalid supporter code")
	ErrCodeUsed           = errors.New("supporter code already used")
)

// MaxCodesPerBatch bounds GenerateCodes.
const MaxCodesPerBatch = 100

type UserStore interface {
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	CountByHardware(ctx context.Context, hardwareID string) (int, error)
	GetByKey(ctx context.Context, key string) (core.User, error)
	// ReserveSpeech atomically claims one unit of a free allowance and
	// fails with ErrAllowanceExhausted when none is left.
	ReserveSpeech(ctx context.Context, id uuid.UUID) (core.User, error)
	// ReleaseSpeech returns an unused reservation.
	ReleaseSpeech(ctx context.Context, id uuid.UUID) error
	// RecordSpeech bumps the generation total of a completed request.
	RecordSpeech(ctx context.Context, id uuid.UUID) (core.User, error)
	ListUsers(ctx context.Context, limit int) ([]core.User, error)
	UserStats(ctx context.Context) (core.UserStats, error)
	// RedeemCode claims an unused code for the user and upgrades its tier
	// in one transaction.
	RedeemCode(ctx context.Context, userID uuid.UUID, code string) (core.User, error)
	CreateCodes(ctx context.Context, codes []core.SupporterCode) error
	ListCodes(ctx context.Context) ([]core.SupporterCode, error)
}

// AnonymousCounter tracks anonymous generations per IP for the calendar
// month containing now.
type AnonymousCounter interface {
	// Reserve atomically claims one generation while fewer than limit were
	// used. It returns the count after the call.
	Reserve(ctx context.Context, ip string, now time.Time, limit int64) (int64, bool, error)
	Release(ctx context.Context, ip string, now time.Time) error
}

type Config struct {
	FreeSpeeches          int
	AnonymousMonthlyLimit int
	MaxAccountsPerDevice  int
}

// Caller is the outcome of Authorize. It holds one reserved generation
// that must be settled with Consume or Release.
type Caller struct {
	User      *core.User
	Tier      core.Tier
	ClientIP  string
	Anonymous bool

	reservedAt time.Time
	remaining  int
}

// Status is the caller-facing view of an account.
type Status struct {
	UserKey                string    `json:"user_key"`
	Tier                   core.Tier `json:"tier"`
	SpeechesRemaining      int       `json:"speeches_remaining"`
	TotalSpeechesGenerated int64     `json:"total_speeches_generated"`
	Unlimited              bool      `json:"unlimited"`
	CreatedAt              time.Time `json:"created_at"`
}

type Gate struct {
	users  UserStore
	anon   AnonymousCounter
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(users UserStore, anon AnonymousCounter, cfg Config, logger *zap.Logger) *Gate {
	if cfg.FreeSpeeches <= 0 {
		cfg.FreeSpeeches = 10
	}
	if cfg.AnonymousMonthlyLimit <= 0 {
		cfg.AnonymousMonthlyLimit = 10
	}
	if cfg.MaxAccountsPerDevice <= 0 {
		cfg.MaxAccountsPerDevice = 3
	}
	return &Gate{
		users:  users,
		anon:   anon,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "quota")),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Register creates a free account for a device.
func (g *Gate) Register(ctx context.Context, hardwareID string) (core.User, error) {
	hardwareID = strings.TrimSpace(hardwareID)
	if hardwareID == "" {
		return core.User{}, fmt.Errorf("%w: hardware id is required", pool.ErrValidation)
	}

	n, err := g.users.CountByHardware(ctx, hardwareID)
	if err != nil {
		return core.User{}, fmt.Errorf("count accounts: %w", err)
	}
	if n >= g.cfg.MaxAccountsPerDevice {
		return core.User{}, ErrDeviceLimit
	}

	key, err := NewUserKey()
	if err != nil {
		return core.User{}, err
	}
	u := core.User{
		ID:                    uuid.New(),
		UserKey:               key,
		HardwareID:            hardwareID,
		Tier:                  core.TierFree,
		FreeSpeechesRemaining: g.cfg.FreeSpeeches,
		CreatedAt:             g.now().UTC(),
	}
	u, err = g.users.CreateUser(ctx, u)
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", err)
	}
	g.logger.Info("User registered", zap.String("user_id", u.ID.String()))
	return u, nil
}

// Authorize resolves the caller and reserves one generation for it. An
// empty user key means an anonymous caller.
func (g *Gate) Authorize(ctx context.Context, userKey, clientIP string) (Caller, error) {
	now := g.now()
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		limit := int64(g.cfg.AnonymousMonthlyLimit)
		used, ok, err := g.anon.Reserve(ctx, clientIP, now, limit)
		if err != nil {
			return Caller{}, fmt.Errorf("anonymous usage: %w", err)
		}
		if !ok {
			return Caller{}, ErrAnonymousLimit
		}
		return Caller{
			Tier:       core.TierFree,
			ClientIP:   clientIP,
			Anonymous:  true,
			reservedAt: now,
			remaining:  int(max(limit-used, 0)),
		}, nil
	}

	u, err := g.users.GetByKey(ctx, userKey)
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			return Caller{}, ErrUnknownUser
		}
		return Caller{}, fmt.Errorf("lookup user: %w", err)
	}
	u, err = g.users.ReserveSpeech(ctx, u.ID)
	if err != nil {
		if errors.Is(err, ErrAllowanceExhausted) {
			return Caller{}, err
		}
		return Caller{}, fmt.Errorf("reserve speech: %w", err)
	}
	return Caller{User: &u, Tier: u.Tier, ClientIP: clientIP, reservedAt: now, remaining: u.FreeSpeechesRemaining}, nil
}

// Consume settles the caller's reservation as used and returns the
// remaining allowance, -1 when unlimited.
func (g *Gate) Consume(ctx context.Context, c Caller) (int, error) {
	if c.Anonymous {
		return c.remaining, nil
	}
	if _, err := g.users.RecordSpeech(ctx, c.User.ID); err != nil {
		return c.remaining, fmt.Errorf("record speech: %w", err)
	}
	return c.remaining, nil
}

// Release gives back the caller's reservation after a failed generation.
func (g *Gate) Release(ctx context.Context, c Caller) error {
	if c.Anonymous {
		if err := g.anon.Release(ctx, c.ClientIP, c.reservedAt); err != nil {
			return fmt.Errorf("anonymous usage: %w", err)
		}
		return nil
	}
	if c.User == nil {
		return nil
	}
	if err := g.users.ReleaseSpeech(ctx, c.User.ID); err != nil {
		return fmt.Errorf("release speech: %w", err)
	}
	return nil
}

// Status reports the account state for a user key.
func (g *Gate) Status(ctx context.Context, userKey string) (Status, error) {
	u, err := g.users.GetByKey(ctx, strings.TrimSpace(userKey))
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			return Status{}, ErrUnknownUser
		}
		return Status{}, err
	}
	return Status{
		UserKey:                u.UserKey,
		Tier:                   u.Tier,
		SpeechesRemaining:      u.FreeSpeechesRemaining,
		TotalSpeechesGenerated: u.TotalSpeechesGenerated,
		Unlimited:              u.UnlimitedSpeeches(),
		CreatedAt:              u.CreatedAt,
	}, nil
}

// RedeemCode upgrades the account behind userKey with a supporter code.
func (g *Gate) RedeemCode(ctx context.Context, userKey, code string) (core.User, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return core.User{}, fmt.Errorf("%w: code is required", pool.ErrValidation)
	}
	u, err := g.users.GetByKey(ctx, strings.TrimSpace(userKey))
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			return core.User{}, ErrUnknownUser
		}
		return core.User{}, err
	}
	upgraded, err := g.users.RedeemCode(ctx, u.ID, code)
	if err != nil {
		return core.User{}, err
	}
	g.logger.Info("Supporter code redeemed",
		zap.String("user_id", u.ID.String()),
		zap.String("tier", string(upgraded.Tier)))
	return upgraded, nil
}

// GenerateCodes mints count unused supporter codes for tier.
func (g *Gate) GenerateCodes(ctx context.Context, count int, tier core.Tier, createdBy string) ([]core.SupporterCode, error) {
	if count < 1 || count > MaxCodesPerBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", pool.ErrValidation, MaxCodesPerBatch)
	}
	if tier == "" {
		tier = core.TierSupporter
	}
	if !tier.Valid() || tier == core.TierFree {
		return nil, fmt.Errorf("%w: invalid tier %q", pool.ErrValidation, tier)
	}

	now := g.now().UTC()
	codes := make([]core.SupporterCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := NewSupporterCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, core.SupporterCode{
			ID:        uuid.New(),
			Code:      code,
			Tier:      tier,
			CreatedBy: createdBy,
			CreatedAt: now,
		})
	}
	if err := g.users.CreateCodes(ctx, codes); err != nil {
		return nil, fmt.Errorf("store codes: %w", err)
	}
	return codes, nil
}

func (g *Gate) Users(ctx context.Context, limit int) ([]core.User, error) {
	return g.users.ListUsers(ctx, limit)
}

func (g *Gate) Codes(ctx context.Context) ([]core.SupporterCode, error) {
	return g.users.ListCodes(ctx)
}

func (g *Gate) Stats(ctx context.Context) (core.UserStats, error) {
	return g.users.UserStats(ctx)
}

const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomGroups(prefix string, groups int) (string, error) {
	buf := make([]byte, groups*4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	var b strings.Builder
	b.WriteString(prefix)
	for i, c := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}

// NewUserKey returns a key of the form VK-XXXX-XXXX-XXXX-XXXX.
func NewUserKey() (string, error) {
	return randomGroups("VK", 4)
}

// NewSupporterCode returns a code of the form SUPPORT-XXXX-XXXX-XXXX.
func NewSupporterCode() (string, error) {
	return randomGroups("SUPPORT", 3)
}
