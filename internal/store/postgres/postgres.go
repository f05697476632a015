// Package postgres implements store.Store on gorm with the Postgres driver.
package postgres

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adred-codev/parkdog_dm/internal/ids"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

// Store is the production conversation/message store.
type Store struct {
	db     *gorm.DB
	gen    ids.Generator
	logger zerolog.Logger
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, gen ids.Generator, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.Open.Connect")
	}

	s := New(db, gen, logger)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle. Callers own migration.
func New(db *gorm.DB, gen ids.Generator, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		gen:    gen,
		logger: logger.With().Str("component", "pg_store").Logger(),
	}
}

// DB exposes the handle so collaborators (social checker, device registry)
// can share the pool.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates tables plus the partial unique index that keeps one
// active conversation per pair.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&store.Conversation{},
		&store.Message{},
		&store.ReadWatermark{},
		&store.Block{},
		&store.Match{},
	); err != nil {
		return errors.Wrap(err, "pgStore.Migrate.AutoMigrate")
	}

	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
		ON conversations (user1_id, user2_id) WHERE is_deleted = false`).Error; err != nil {
		return errors.Wrap(err, "pgStore.Migrate.PairIndex")
	}

	s.logger.Info().Msg("Schema migrated")
	return nil
}

func (s *Store) GetOrCreateConversation(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, store.ErrInvalidPair
	}
	u1, u2 := store.CanonicalPair(userA, userB)
	db := s.db.WithContext(ctx)

	conv, err := s.activePair(db, u1, u2)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "pgStore.GetOrCreateConversation.Select")
	}

	fresh := store.Conversation{
		ID:         s.gen.Next(),
		User1ID:    u1,
		User2ID:    u2,
		KeyVersion: 1,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "pgStore.GetOrCreateConversation.Insert")
	}
	if res.RowsAffected == 1 {
		return &fresh, nil
	}

	// Lost the race to a concurrent creator.
	conv, err = s.activePair(db, u1, u2)
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.GetOrCreateConversation.Reselect")
	}
	return conv, nil
}

func (s *Store) activePair(db *gorm.DB, u1, u2 string) (*store.Conversation, error) {
	var conv store.Conversation
	err := db.Where("user1_id = ? AND user2_id = ? AND is_deleted = ?", u1, u2, false).Take(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var conv store.Conversation
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.GetConversation.Take")
	}
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]store.Conversation, error) {
	var convs []store.Conversation
	err := s.db.WithContext(ctx).
		Where("(user1_id = ? OR user2_id = ?) AND is_deleted = ?", userID, userID, false).
		Order("COALESCE(last_message_at, created_at) DESC").
		Limit(store.NormalizeLimit(limit)).
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.ListConversations.Find")
	}
	return convs, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := lockConversation(tx, id)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return store.ErrNotParticipant
		}
		now := time.Now().UTC()
		err = tx.Model(&store.Conversation{}).Where("id = ?", id).
			Updates(map[string]any{"is_deleted": true, "deleted_at": now}).Error
		return errors.Wrap(err, "pgStore.DeleteConversation.Update")
	})
}

func (s *Store) AppendMessage(ctx context.Context, p store.AppendParams) (*store.Message, bool, error) {
	var (
		result  *store.Message
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The row lock serializes sends within one conversation, which also
		// makes the token lookup below race free.
		conv, err := lockConversation(tx, p.ConversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(p.SenderID) {
			return store.ErrNotParticipant
		}

		if p.ClientToken != "" {
			var existing store.Message
			err := tx.Where("conversation_id = ? AND sender_id = ? AND client_token = ?",
				p.ConversationID, p.SenderID, p.ClientToken).Take(&existing).Error
			if err == nil {
				result = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrap(err, "pgStore.AppendMessage.TokenLookup")
			}
		}

		msg := store.Message{
			ID:             s.gen.Next(),
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Text:           p.Text,
			CreatedAt:      time.Now().UTC(),
		}
		if p.ClientToken != "" {
			token := p.ClientToken
			msg.ClientToken = &token
		}
		if err := tx.Create(&msg).Error; err != nil {
			return errors.Wrap(err, "pgStore.AppendMessage.Insert")
		}

		err = tx.Model(&store.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"last_message_id": msg.ID,
			"last_message_at": msg.CreatedAt,
			"updated_at":      msg.CreatedAt,
		}).Error
		if err != nil {
			return errors.Wrap(err, "pgStore.AppendMessage.MovePointer")
		}

		result = &msg
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func lockConversation(tx *gorm.DB, id string) (*store.Conversation, error) {
	var conv store.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND is_deleted = ?", id, false).
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.lockConversation.Take")
	}
	return &conv, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	var msg store.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pgStore.GetMessage.Take")
	}
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]store.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false)
	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []store.Message
	if err := q.Order("id DESC").Limit(store.NormalizeLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "pgStore.ListMessages.Find")
	}
	return msgs, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return store.ErrNotFound
	}
	if msg.SenderID != userID {
		return store.ErrNotParticipant
	}
	err = s.db.WithContext(ctx).Model(&store.Message{}).
		Where("id = ? AND is_deleted = ?", messageID, false).
		Updates(map[string]any{"is_deleted": true, "deleted_at": time.Now().UTC()}).Error
	return errors.Wrap(err, "pgStore.DeleteMessage.Update")
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, store.ErrNotParticipant
	}

	watermark, err := s.GetWatermark(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	var n int64
	err = s.db.WithContext(ctx).Model(&store.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_deleted = ? AND id > ?",
			conversationID, userID, false, watermark).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "pgStore.UnreadCount.Count")
	}
	return n, nil
}

func (s *Store) UpdateWatermark(ctx context.Context, conversationID, userID, messageID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return store.ErrNotParticipant
	}

	wm := store.ReadWatermark{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: messageID,
		UpdatedAt:         time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_message_id", "updated_at"}),
	}).Create(&wm).Error
	return errors.Wrap(err, "pgStore.UpdateWatermark.Upsert")
}

func (s *Store) GetWatermark(ctx context.Context, conversationID, userID string) (string, error) {
	var wm store.ReadWatermark
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "pgStore.GetWatermark.Take")
	}
	return wm.LastReadMessageID, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "pgStore.Ping.DB")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "pgStore.Ping")
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "pgStore.Close.DB")
	}
	return sqlDB.Close()
}

var _ store.Store = (*Store)(nil)
