package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceToken is an FCM/APNS registration. A token belongs to at most one
// user; re-registering moves it.
type DeviceToken struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"size:64;not null;index:ix_device_tokens_user_active,priority:1"`
	Token      string `gorm:"size:255;not null;uniqueIndex"`
	Platform   string `gorm:"size:16;not null"`
	IsActive   bool   `gorm:"not null;default:true;index:ix_device_tokens_user_active,priority:2"`
	LastUsedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type GormRegistry struct {
	db *gorm.DB
}

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Migrate(ctx context.Context) error {
	return errors.Wrap(r.db.WithContext(ctx).AutoMigrate(&DeviceToken{}), "deviceRepo.Migrate.AutoMigrate")
}

func (r *GormRegistry) ActiveTokens(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).Model(&DeviceToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id").
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, errors.Wrap(err, "deviceRepo.ActiveTokens.Pluck")
	}
	return tokens, nil
}

func (r *GormRegistry) Register(ctx context.Context, userID, token, platform string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}},
		DoUpdates: clause.Assignments(map[string]any{
			"user_id":      userID,
			"platform":     platform,
			"is_active":    true,
			"last_used_at": now,
			"updated_at":   now,
		}),
	}).Create(&DeviceToken{
		UserID:     userID,
		Token:      token,
		Platform:   platform,
		IsActive:   true,
		LastUsedAt: now,
	}).Error
	return errors.Wrap(err, "deviceRepo.Register.Upsert")
}

func (r *GormRegistry) Deactivate(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&DeviceToken{}).
		Where("token IN ?", tokens).
		Update("is_active", false).Error
	return errors.Wrap(err, "deviceRepo.Deactivate.Update")
}

type memoryDevice struct {
	userID string
	active bool
	seq    int
}

// MemoryRegistry is the development registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	tokens map[string]*memoryDevice
	seq    int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tokens: make(map[string]*memoryDevice)}
}

func (m *MemoryRegistry) ActiveTokens(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for tok, d := range m.tokens {
		if d.userID == userID && d.active {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.tokens[out[i]].seq < m.tokens[out[j]].seq })
	return out, nil
}

func (m *MemoryRegistry) Register(_ context.Context, userID, token, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.tokens[token] = &memoryDevice{userID: userID, active: true, seq: m.seq}
	return nil
}

func (m *MemoryRegistry) Deactivate(_ context.Context, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if d, ok := m.tokens[t]; ok {
			d.active = false
		}
	}
	return nil
}

var (
	_ DeviceRegistry = (*GormRegistry)(nil)
	_ DeviceRegistry = (*MemoryRegistry)(nil)
)
