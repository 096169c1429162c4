package buildbot

import (
	"context"
	"fmt"
	"gorm.io/gorm"
	"time"
)

const buildsTableName = "builds"

// Build is a single build submission for a champion. The table has no
// primary key and no uniqueness constraint: repeated submissions
// accumulate as separate rows.
type Build struct {
	// Champion is always stored lowercase
	Champion string `gorm:"column:champion;type:text" json:"champion"`

	// Build is free text, stored as submitted
	Build string `gorm:"column:build;type:text" json:"build"`

	// Author is the submitter's identity string, ex: "alice" or
	// "alice#1234" for legacy usernames
	Author string `gorm:"column:author;type:text" json:"author"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Build) TableName() string {
	return buildsTableName
}

// ChampionSummary is the number of builds saved for a champion
type ChampionSummary struct {
	Champion string `json:"champion"`
	Builds   int64  `json:"builds"`
}

// StorageError is returned when an operation against the underlying
// database fails.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Err.Error())
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// BuildStore persists builds. Each method runs a single auto-commit
// statement; nothing is held between calls.
type BuildStore struct {
	db *gorm.DB
}

func NewBuildStore(db *gorm.DB) *BuildStore {
	return &BuildStore{db: db}
}

func (s *BuildStore) DB() *gorm.DB {
	return s.db
}

// Init creates the builds table if it doesn't exist. An existing table
// is left as-is.
func (s *BuildStore) Init(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			mg := tx.Migrator()
			if mg.HasTable(&Build{}) {
				return nil
			}
			return mg.CreateTable(&Build{})
		},
	)
	if err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	return nil
}

// Add saves a build for the given champion, attributed to author.
// The champion is lowercased before being stored.
func (s *BuildStore) Add(
	ctx context.Context,
	champion string,
	build string,
	author string,
) error {
	record := &Build{
		Champion: normalizeChampion(champion),
		Build:    build,
		Author:   author,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return &StorageError{Op: "add", Err: err}
	}
	return nil
}

// ListFor returns all builds for the given champion (case-insensitive).
// No ordering is guaranteed. If there are no builds, an empty slice
// is returned.
func (s *BuildStore) ListFor(ctx context.Context, champion string) (
	[]Build,
	error,
) {
	builds := []Build{}
	err := s.db.WithContext(ctx).
		Where("champion = ?", normalizeChampion(champion)).
		Find(&builds).Error
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return builds, nil
}

// DeleteFor deletes every build for the given champion submitted by
// author, returning the number of rows deleted. Deleting nothing is
// not an error.
func (s *BuildStore) DeleteFor(
	ctx context.Context,
	champion string,
	author string,
) (int64, error) {
	rv := s.db.WithContext(ctx).
		Where(
			"champion = ? AND author = ?",
			normalizeChampion(champion),
			author,
		).
		Delete(&Build{})
	if rv.Error != nil {
		return 0, &StorageError{Op: "delete", Err: rv.Error}
	}
	return rv.RowsAffected, nil
}

// Champions returns each champion with at least one build, and the
// number of builds saved for it, ordered by champion.
func (s *BuildStore) Champions(ctx context.Context) (
	[]ChampionSummary,
	error,
) {
	summaries := []ChampionSummary{}
	err := s.db.WithContext(ctx).
		Model(&Build{}).
		Select("champion, count(*) AS builds").
		Group("champion").
		Order("champion").
		Scan(&summaries).Error
	if err != nil {
		return nil, &StorageError{Op: "champions", Err: err}
	}
	return summaries, nil
}

// Close closes the underlying database connection pool
func (s *BuildStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
