package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"streamchat/pkg/domain"
)

const migrateLockID int64 = 51873102

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() int64
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so several replicas can start at once.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ThreadModel{}, &MessageModel{}, &AttachmentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: domain.NowMillis}, nil
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

// CreateThread inserts the thread unless one with the same id exists.
func (s *GormStore) CreateThread(ctx context.Context, thread domain.Thread) (bool, error) {
	now := s.now()
	if thread.CreatedAt == 0 {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	if thread.GenerationStatus == "" {
		thread.GenerationStatus = domain.GenerationPending
	}
	model := threadToModel(thread)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, fmt.Errorf("create thread: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetThread returns one thread by id.
func (s *GormStore) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var model ThreadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromModel(model), true, nil
}

// PatchThread updates bookkeeping fields and returns the new thread.
func (s *GormStore) PatchThread(ctx context.Context, id string, patch domain.ThreadPatch) (domain.Thread, error) {
	updates := map[string]any{"updated_at": s.now()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.GenerationStatus != nil {
		updates["generation_status"] = string(*patch.GenerationStatus)
	}
	var out domain.Thread
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ThreadModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrThreadNotFound
		}
		var model ThreadModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		out = threadFromModel(model)
		return nil
	})
	if err != nil {
		return domain.Thread{}, err
	}
	return out, nil
}

// InsertMessages writes the batch in one transaction so readers never see
// half of it.
func (s *GormStore) InsertMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := validateMessages(msgs); err != nil {
		return err
	}
	models := make([]MessageModel, 0, len(msgs))
	now := s.now()
	for _, msg := range msgs {
		if msg.CreatedAt == 0 {
			msg.CreatedAt = now
		}
		msg.UpdatedAt = now
		models = append(models, messageToModel(msg))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
}

// GetMessage returns one message by id.
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

// PatchMessage locks the row, merges the patch in Go and writes it back with
// a status guard in the WHERE clause. A terminal row is left untouched.
func (s *GormStore) PatchMessage(ctx context.Context, id string, patch domain.MessagePatch) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		msg := messageFromModel(model)
		if !patch.Apply(&msg, s.now()) {
			return nil
		}
		next := messageToModel(msg)
		res := tx.Model(&MessageModel{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatusValues()).
			Updates(map[string]any{
				"content":             next.Content,
				"reasoning":           next.Reasoning,
				"status":              next.Status,
				"model":               next.Model,
				"tools":               next.Tools,
				"provider_metadata":   next.ProviderMetadata,
				"resumable_stream_id": next.ResumableStreamID,
				"updated_at":          next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("patch message: %w", res.Error)
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListThreadMessages returns all messages of a thread in creation order.
func (s *GormStore) ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// InsertAttachments links the batch to parentMessageID and stores it.
func (s *GormStore) InsertAttachments(ctx context.Context, parentMessageID string, batch []domain.Attachment) error {
	if len(batch) == 0 {
		return nil
	}
	models := make([]AttachmentModel, 0, len(batch))
	now := s.now()
	for _, a := range batch {
		a.MessageID = parentMessageID
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		models = append(models, attachmentToModel(a))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
			Create(&models).Error
	})
}

// ListAttachments returns the attachments with the given ids.
func (s *GormStore) ListAttachments(ctx context.Context, ids []string) ([]domain.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []AttachmentModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Attachment, 0, len(models))
	for _, model := range models {
		out = append(out, attachmentFromModel(model))
	}
	return out, nil
}

func terminalStatusValues() []string {
	out := make([]string, 0, len(domain.TerminalStatuses))
	for _, s := range domain.TerminalStatuses {
		out = append(out, string(s))
	}
	return out
}
