package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"relaychat/pkg/domain"
)

const migrateLockID int64 = 48151623

// GormStore implements Store using GORM. Production runs on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations under an
// advisory lock so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// OpenGormStore opens a store on any GORM dialector and migrates without
// locking. Used for SQLite in tests and single-process deployments.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, newGormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func newGormConfig() *gorm.Config {
	return &gorm.Config{Logger: newGormLogger(), TranslateError: true}
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UserModel{}, &ChatModel{}, &ChatMemberModel{}, &MessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "password_hash", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(ErrInvalidRecord, errors.New("email already registered"))
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsersByIDs returns the known users among ids keyed by ID.
func (s *GormStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = userFromModel(m)
	}
	return res, nil
}

// SaveChat upserts the chat row and rewrites its membership index in one
// transaction. The direct-chat pair key is fixed at creation.
func (s *GormStore) SaveChat(ctx context.Context, c domain.Chat) error {
	if err := validateChat(c); err != nil {
		return err
	}
	model := chatToModel(c)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: append(clause.AssignmentColumns([]string{"name", "members", "admin_id", "pinned_by"}), clause.Assignment{
				Column: clause.Column{Name: "updated_at"},
				Value:  gorm.Expr("CASE WHEN excluded.updated_at > chat_models.updated_at THEN excluded.updated_at ELSE chat_models.updated_at END"),
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", c.ID).Delete(&ChatMemberModel{}).Error; err != nil {
			return err
		}
		if len(c.Members) == 0 {
			return nil
		}
		rows := make([]ChatMemberModel, 0, len(c.Members))
		for _, userID := range c.Members {
			rows = append(rows, ChatMemberModel{ChatID: c.ID, UserID: userID})
		}
		return tx.Create(&rows).Error
	})
}

// GetChat returns a chat by ID.
func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// FindDirectChats returns every direct chat created for the pair, oldest first.
func (s *GormStore) FindDirectChats(ctx context.Context, userA, userB string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).
		Where("is_group = ? AND direct_key = ?", false, DirectKey(userA, userB)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		res = append(res, chatFromModel(m))
	}
	return res, nil
}

// ListChatsByMember returns chats whose roster contains userID, most
// recently updated first.
func (s *GormStore) ListChatsByMember(ctx context.Context, userID string) ([]domain.Chat, error) {
	db := s.db.WithContext(ctx)
	var models []ChatModel
	if err := db.
		Where("id IN (?)", db.Model(&ChatMemberModel{}).Select("chat_id").Where("user_id = ?", userID)).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		res = append(res, chatFromModel(m))
	}
	return res, nil
}

// SetLatestMessage points the chat at messageID and bumps updatedAt without
// touching the roster.
func (s *GormStore) SetLatestMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ChatModel{}).
		Where("id = ?", chatID).
		Updates(map[string]any{"latest_message_id": messageID, "updated_at": at}).Error
}

// DeleteChat removes the chat with its membership index and messages.
func (s *GormStore) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&MessageModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&ChatMemberModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ChatModel{}, "id = ?", id).Error
	})
}

// SaveMessage upserts a message. Status is written on insert only; later
// transitions go through MarkDelivered and MarkChatRead so a stale
// read-modify-write cannot regress it. Once deleted_for_all is set, the
// columns it cleared stay as they are.
func (s *GormStore) SaveMessage(ctx context.Context, m domain.Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	model := messageToModel(m)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: append(
			frozenOnceDeleted("content", "reactions", "starred_by", "deleted_for_all", "deleted_by"),
			clause.AssignmentColumns([]string{"deleted_for"})...,
		),
	}).Create(&model).Error
}

// frozenOnceDeleted assigns each column from the incoming row unless the
// stored message is already deleted for everyone.
func frozenOnceDeleted(columns ...string) clause.Set {
	set := make(clause.Set, 0, len(columns))
	for _, col := range columns {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value: gorm.Expr(fmt.Sprintf(
				"CASE WHEN message_models.deleted_for_all THEN message_models.%s ELSE excluded.%s END", col, col,
			)),
		})
	}
	return set
}

// GetMessage returns a message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// GetMessagesByIDs returns the known messages among ids keyed by ID.
func (s *GormStore) GetMessagesByIDs(ctx context.Context, ids []string) (map[string]domain.Message, error) {
	res := make(map[string]domain.Message, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = messageFromModel(m)
	}
	return res, nil
}

// ListChatMessages returns messages of a chat in creation order, skipping
// those viewerID deleted for themself.
func (s *GormStore) ListChatMessages(ctx context.Context, chatID, viewerID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg := messageFromModel(m)
		if viewerID != "" && msg.IsDeletedFor(viewerID) {
			continue
		}
		res = append(res, msg)
	}
	return res, nil
}

// MarkDelivered moves a message from sent to delivered. It reports false
// when the message was already delivered or read, or does not exist.
func (s *GormStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusSent)).
		Update("status", string(domain.StatusDelivered))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkChatRead moves every message in the chat not authored by readerID to
// read and returns the IDs that changed.
func (s *GormStore) MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MessageModel{}).
			Where("chat_id = ? AND sender_id <> ? AND status <> ?", chatID, readerID, string(domain.StatusRead)).
			Order("created_at ASC, id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&MessageModel{}).
			Where("id IN ?", ids).
			Update("status", string(domain.StatusRead)).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteChatMessagesForUser hides every message of the chat from userID.
func (s *GormStore) DeleteChatMessagesForUser(ctx context.Context, chatID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []MessageModel
		if err := tx.Where("chat_id = ?", chatID).Find(&models).Error; err != nil {
			return err
		}
		for _, m := range models {
			msg := messageFromModel(m)
			if !msg.DeleteFor(userID) {
				continue
			}
			if err := tx.Model(&MessageModel{}).
				Where("id = ?", msg.ID).
				Update("deleted_for", datatypes.NewJSONSlice(msg.DeletedFor)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
