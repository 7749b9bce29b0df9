package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentSnapshot 历史表：不可变快照行，按 created_at 排序。
type DocumentSnapshot struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	DocumentID string    `gorm:"type:varchar(191);not null;index:idx_doc_created,priority:1"`
	Payload    []byte    `gorm:"type:longblob;not null"`
	CreatedAt  time.Time `gorm:"index:idx_doc_created,priority:2"`
	CreatedBy  string    `gorm:"type:varchar(64)"`
}

// DocumentState 镜像表：每文档一行“最新状态”，冷启动时免扫历史表。
type DocumentState struct {
	DocumentID string `gorm:"type:varchar(191);primaryKey"`
	Payload    []byte `gorm:"type:longblob;not null"`
	UpdatedAt  time.Time
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }
func (DocumentState) TableName() string    { return "document_states" }

type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// InitMySQL opens the gorm handle and migrates the two snapshot tables.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentSnapshot{}, &DocumentState{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Save appends one history row and refreshes the mirror. The history row is
// written first: a torn write leaves the mirror stale but never pointing at
// state that was not durably recorded.
func (s *SnapshotStore) Save(ctx context.Context, storageKey string, state []byte, actorID string) error {
	payload, err := Compress(state)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := DocumentSnapshot{
			ID:         uuid.NewString(),
			DocumentID: storageKey,
			Payload:    payload,
			CreatedAt:  time.Now(),
			CreatedBy:  actorID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		mirror := DocumentState{DocumentID: storageKey, Payload: payload, UpdatedAt: row.CreatedAt}
		if err := tx.Create(&mirror).Error; err != nil {
			var mysqlErr *mysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return tx.Model(&DocumentState{}).
					Where("document_id = ?", storageKey).
					Updates(map[string]interface{}{"payload": payload, "updated_at": row.CreatedAt}).Error
			}
			return err
		}
		return nil
	})
}

// Load returns the decompressed latest state, preferring the mirror over a
// history scan. (nil, nil) means the document has never been saved. A payload
// that fails to decompress is an error; the caller decides whether to treat
// corruption as "no snapshot".
func (s *SnapshotStore) Load(ctx context.Context, storageKey string) ([]byte, error) {
	var mirror DocumentState
	err := s.db.WithContext(ctx).First(&mirror, "document_id = ?", storageKey).Error
	if err == nil {
		return Decompress(mirror.Payload)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var row DocumentSnapshot
	err = s.db.WithContext(ctx).
		Where("document_id = ?", storageKey).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Decompress(row.Payload)
}

// Compact prunes history rows beyond the keep most recent. The cutoff is the
// created_at of the keep-th newest row at read time, and only strictly older
// rows are deleted, so a save racing the compaction can only add surviving
// rows. The mirror is never touched.
func (s *SnapshotStore) Compact(ctx context.Context, storageKey string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cutoff DocumentSnapshot
		err := tx.Select("created_at").
			Where("document_id = ?", storageKey).
			Order("created_at DESC").
			Offset(keep - 1).
			First(&cutoff).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 行数不足 keep，无可裁剪
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Where("document_id = ? AND created_at < ?", storageKey, cutoff.CreatedAt).
			Delete(&DocumentSnapshot{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			log.Printf("compacted %d snapshot rows doc=%s keep=%d", res.RowsAffected, storageKey, keep)
		}
		return nil
	})
}

// HistoryCount reports the number of history rows for a document.
func (s *SnapshotStore) HistoryCount(ctx context.Context, storageKey string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DocumentSnapshot{}).
		Where("document_id = ?", storageKey).
		Count(&n).Error
	return n, err
}
