package store

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ArchivedSession 终态快照：会话过期或关闭时由清扫器写入 MySQL，一行一条。
type ArchivedSession struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID  string    `gorm:"size:64;index"`
	Kind       string    `gorm:"size:32"`
	OwnerID    string    `gorm:"size:64"`
	Version    uint64    ``
	Checksum   string    `gorm:"size:64"`
	Payload    []byte    `gorm:"type:mediumblob"`
	Reason     string    `gorm:"size:16"`
	ArchivedAt time.Time ``
}

func (ArchivedSession) TableName() string { return "session_archive" }

// Archive writes terminal snapshots. A nil *Archive is a valid no-op sink so
// the archive stays optional in config.
type Archive struct {
	db *gorm.DB
}

func OpenMySQLArchive(dsn string) (*Archive, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ArchivedSession{}); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func NewArchive(db *gorm.DB) *Archive { return &Archive{db: db} }

func (a *Archive) SaveTerminalSnapshot(ctx context.Context, rec ArchivedSession) error {
	if a == nil || a.db == nil {
		return nil
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}
	return a.db.WithContext(ctx).Create(&rec).Error
}
