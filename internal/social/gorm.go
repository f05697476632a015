package social

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adred-codev/parkdog_dm/internal/store"
)

// Gorm reads the matches and blocks tables owned by the main API.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) IsMutualMatch(ctx context.Context, a, b string) (bool, error) {
	u1, u2 := store.CanonicalPair(a, b)
	var n int64
	err := g.db.WithContext(ctx).Model(&store.Match{}).
		Where("user1_id = ? AND user2_id = ? AND status = ?", u1, u2, store.MatchStatusActive).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "socialRepo.IsMutualMatch.Count")
	}
	return n > 0, nil
}

func (g *Gorm) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&store.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "socialRepo.IsBlocked.Count")
	}
	return n > 0, nil
}

// Block inserts a block row; an existing row is kept.
func (g *Gorm) Block(ctx context.Context, blocker, blocked, reason string) error {
	if blocker == blocked {
		return ErrSelfBlock
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&store.Block{BlockerID: blocker, BlockedID: blocked, Reason: reason}).Error
	return errors.Wrap(err, "socialRepo.Block.Insert")
}

func (g *Gorm) Unblock(ctx context.Context, blocker, blocked string) error {
	err := g.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blocker, blocked).
		Delete(&store.Block{}).Error
	return errors.Wrap(err, "socialRepo.Unblock.Delete")
}

// Match upserts an active match row.
func (g *Gorm) Match(ctx context.Context, a, b string) error {
	u1, u2 := store.CanonicalPair(a, b)
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user1_id"}, {Name: "user2_id"}},
		DoUpdates: clause.Assignments(map[string]any{"status": store.MatchStatusActive}),
	}).Create(&store.Match{User1ID: u1, User2ID: u2, Status: store.MatchStatusActive}).Error
	return errors.Wrap(err, "socialRepo.Match.Upsert")
}
