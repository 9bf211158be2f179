// Package mirror keeps the durable, order-preserving secondary record of
// queued work in a relational store, joinable against the catalog
// (projects and chapters) for display. It exists independently of the
// primary state store so queue ordering and catalog joins survive a
// state-store rebuild; the reconciler repairs drift between the two.
package mirror

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Project is a catalog entry grouping chapters into one book.
type Project struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Series    string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chapter is a catalog entry holding one chapter's text and audio state.
type Chapter struct {
	ID                 string `gorm:"primaryKey"`
	ProjectID          string `gorm:"index;not null"`
	Title              string `gorm:"not null"`
	TextContent        string
	SortOrder          int
	AudioStatus        string `gorm:"default:none"`
	AudioFilePath      string
	AudioGeneratedAt   *time.Time
	AudioLengthSeconds float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// QueueItem is one durable queue record. Status mirrors (but is not
// identical in shape to) the job status in the state store; every item
// still queued or running must correspond to exactly one live job id.
type QueueItem struct {
	ID                 string `gorm:"primaryKey"`
	JobID              string `gorm:"index"`
	ProjectID          string
	ChapterID          string
	SplitPart          int
	Status             string  `gorm:"not null;default:queued"`
	Position           float64 `gorm:"index"`
	CreatedAt          time.Time
	CompletedAt        *time.Time
	AudioLengthSeconds float64
}

// QueueEntry is a queue item joined with catalog display fields.
type QueueEntry struct {
	QueueItem
	ChapterTitle string
	ProjectName  string
}

// ErrNotFound is returned for lookups of absent catalog or queue rows.
var ErrNotFound = errors.New("mirror: not found")

// Mirror wraps the sqlite database holding catalog and queue tables.
type Mirror struct {
	db *gorm.DB
}

// Open opens (creating if needed) the mirror database at path. Use
// "file::memory:?cache=shared" for tests.
func Open(path string) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	if err := db.AutoMigrate(&Project{}, &Chapter{}, &QueueItem{}); err != nil {
		return nil, fmt.Errorf("migrate mirror db: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Add inserts a queue record for a job at the end of the queue and marks
// the chapter as processing. Returns the mirror id.
func (m *Mirror) Add(jobID, projectID, chapterID string, splitPart int) (string, error) {
	id := uuid.New().String()

	var maxPos float64
	m.db.Model(&QueueItem{}).Select("COALESCE(MAX(position), 0)").Scan(&maxPos)

	item := QueueItem{
		ID:        id,
		JobID:     jobID,
		ProjectID: projectID,
		ChapterID: chapterID,
		SplitPart: splitPart,
		Status:    "queued",
		Position:  maxPos + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.db.Create(&item).Error; err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	if chapterID != "" {
		m.db.Model(&Chapter{}).Where("id = ?", chapterID).
			Update("audio_status", "processing")
	}
	return id, nil
}

// List returns queue entries joined with catalog titles, running items
// first and then in position order.
func (m *Mirror) List() ([]QueueEntry, error) {
	var out []QueueEntry
	err := m.db.Table("queue_items q").
		Select("q.*, c.title AS chapter_title, p.name AS project_name").
		Joins("LEFT JOIN chapters c ON q.chapter_id = c.id").
		Joins("LEFT JOIN projects p ON q.project_id = p.id").
		Order("CASE WHEN q.status = 'running' THEN 0 ELSE 1 END, q.position ASC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

// Active returns items still marked queued or running.
func (m *Mirror) Active() ([]QueueItem, error) {
	var out []QueueItem
	err := m.db.Where("status IN ?", []string{"queued", "running"}).
		Order("position ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list active queue items: %w", err)
	}
	return out, nil
}

// Get returns a single queue item by mirror id.
func (m *Mirror) Get(id string) (QueueItem, error) {
	var item QueueItem
	err := m.db.First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// UpdateStatus sets a queue item's status and, for terminal states, its
// completion time. A done item also records the measured audio duration
// and syncs the chapter's catalog row.
func (m *Mirror) UpdateStatus(id, status string, audioLen float64) error {
	item, err := m.Get(id)
	if err != nil {
		return err
	}

	updates := map[string]any{"status": status}
	switch status {
	case "done", "failed", "cancelled":
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	if status == "done" {
		updates["audio_length_seconds"] = audioLen
	}
	if err := m.db.Model(&QueueItem{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}

	if item.ChapterID == "" {
		return nil
	}
	switch status {
	case "done":
		now := time.Now().UTC()
		return m.db.Model(&Chapter{}).Where("id = ?", item.ChapterID).Updates(map[string]any{
			"audio_status":         "done",
			"audio_generated_at":   &now,
			"audio_length_seconds": audioLen,
		}).Error
	case "failed":
		return m.db.Model(&Chapter{}).Where("id = ?", item.ChapterID).
			Update("audio_status", "error").Error
	case "running":
		return m.db.Model(&Chapter{}).Where("id = ?", item.ChapterID).
			Update("audio_status", "processing").Error
	}
	return nil
}

// Remove deletes a queue item.
func (m *Mirror) Remove(id string) error {
	return m.db.Delete(&QueueItem{}, "id = ?", id).Error
}

// RemoveByJob deletes all queue items pointing at the given job ids.
func (m *Mirror) RemoveByJob(jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return m.db.Delete(&QueueItem{}, "job_id IN ?", jobIDs).Error
}

// Reorder rewrites positions so the items appear in the given order.
// Unknown ids are ignored; items not listed keep their relative order
// after the listed ones.
func (m *Mirror) Reorder(ids []string) error {
	base := float64(time.Now().UnixMilli())
	return m.db.Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			if err := tx.Model(&QueueItem{}).Where("id = ?", id).
				Update("position", base+float64(i)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearQueued deletes all still-queued items, returning how many.
func (m *Mirror) ClearQueued() (int64, error) {
	res := m.db.Delete(&QueueItem{}, "status = ?", "queued")
	return res.RowsAffected, res.Error
}

// Catalog accessors. The orchestration core only reads these; catalog
// writes happen through the project/chapter management layer.

// GetProject returns one project.
func (m *Mirror) GetProject(id string) (Project, error) {
	var p Project
	err := m.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrNotFound
	}
	return p, err
}

// GetChapter returns one chapter.
func (m *Mirror) GetChapter(id string) (Chapter, error) {
	var c Chapter
	err := m.db.First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chapter{}, ErrNotFound
	}
	return c, err
}

// ChapterText returns the stored text for a chapter, used to resolve a
// job's input payload when the chapter file is catalog-backed.
func (m *Mirror) ChapterText(id string) (string, error) {
	c, err := m.GetChapter(id)
	if err != nil {
		return "", err
	}
	return c.TextContent, nil
}

// CreateProject seeds a catalog project. Used by the management layer
// and tests, never by the workers.
func (m *Mirror) CreateProject(name, series, author string) (string, error) {
	id := uuid.New().String()
	p := Project{ID: id, Name: name, Series: series, Author: author}
	if err := m.db.Create(&p).Error; err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

// CreateChapter seeds a catalog chapter.
func (m *Mirror) CreateChapter(projectID, title, text string, sortOrder int) (string, error) {
	id := uuid.New().String()
	c := Chapter{ID: id, ProjectID: projectID, Title: title, TextContent: text, SortOrder: sortOrder}
	if err := m.db.Create(&c).Error; err != nil {
		return "", fmt.Errorf("create chapter: %w", err)
	}
	return id, nil
}
