package syncer

import (
	"SceneGen/backend/go/internal/models"
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProjectRow is the relational form of a Project.
type ProjectRow struct {
	ID             string         `gorm:"primaryKey;size:64"`
	TaskType       string         `gorm:"size:32;index"`
	Status         string         `gorm:"size:32;index"`
	InternalStatus string         `gorm:"size:32"`
	Progress       int            `gorm:"not null;default:0"`
	CurrentStep    string         `gorm:"size:64"`
	ErrorMessage   string         `gorm:"type:text"`
	Email          string         `gorm:"size:255"`
	ModelURL       string         `gorm:"type:text"`
	VideoURL       string         `gorm:"type:text"`
	ResultSize     int64          `gorm:"not null;default:0"`
	Result         datatypes.JSON `gorm:"type:json"`
	Metadata       datatypes.JSON `gorm:"type:json"`
	ProcessingTime *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// GormSink mirrors tasks into a SQL table through gorm.
type GormSink struct {
	db    *gorm.DB
	table string
}

// NewGormSink creates a sink writing into table and migrates the schema.
func NewGormSink(db *gorm.DB, table string) (*GormSink, error) {
	s := &GormSink{db: db, table: table}
	if err := db.Table(table).AutoMigrate(&ProjectRow{}); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements Sink.
func (s *GormSink) Name() string { return "mysql" }

// NewProjectRow converts event into a row.
func NewProjectRow(event models.TaskEvent) (ProjectRow, error) {
	p := NewProject(event)
	result, err := json.Marshal(p.Result)
	if err != nil {
		return ProjectRow{}, err
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return ProjectRow{}, err
	}
	return ProjectRow{
		ID:             p.ID,
		TaskType:       p.Kind,
		Status:         p.Status,
		InternalStatus: p.InternalStatus,
		Progress:       p.Progress,
		CurrentStep:    p.CurrentStep,
		ErrorMessage:   p.ErrorMessage,
		Email:          p.NotifyAddress,
		ModelURL:       p.ModelURL,
		VideoURL:       p.VideoURL,
		ResultSize:     p.ResultSize,
		Result:         datatypes.JSON(result),
		Metadata:       datatypes.JSON(meta),
		ProcessingTime: p.ProcessingTime,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		CompletedAt:    p.CompletedAt,
	}, nil
}

// Apply implements Sink.
func (s *GormSink) Apply(ctx context.Context, event models.TaskEvent) error {
	db := s.db.WithContext(ctx).Table(s.table)
	if event.Type == models.TaskEventDeleted {
		return db.Where("id = ?", event.TaskID).Delete(&ProjectRow{}).Error
	}
	row, err := NewProjectRow(event)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}
