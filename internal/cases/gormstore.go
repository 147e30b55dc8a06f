package cases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/SidU/durable-support-agent/model"
)

// GormStore is a Store backed by GORM over a single-node SQLite file.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (creating if needed) the SQLite database at path and
// migrates the case table.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "approvald.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open case store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// SQLite allows one writer; a single connection serialises updates.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&caseRow{}); err != nil {
		return nil, fmt.Errorf("migrate case store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Create inserts a new case.
func (s *GormStore) Create(ctx context.Context, c model.Case) error {
	if c.Version == 0 {
		c.Version = 1
	}
	row := caseRowFromRecord(c)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("insert case: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	return nil
}

// Get retrieves a case by ID.
func (s *GormStore) Get(ctx context.Context, id string) (model.Case, error) {
	var row caseRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Case{}, model.NewCaseNotFoundError(id)
		}
		return model.Case{}, fmt.Errorf("get case: %w", err)
	}
	return row.toRecord(), nil
}

// Update applies patch inside a transaction.
func (s *GormStore) Update(ctx context.Context, id string, patch model.CasePatch) (model.Case, error) {
	var updated model.Case
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row caseRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.NewCaseNotFoundError(id)
			}
			return fmt.Errorf("get case: %w", err)
		}
		current := row.toRecord()
		if err := checkTransition(current, patch); err != nil {
			return err
		}

		changes := map[string]any{
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		}
		if patch.Status != nil {
			changes["status"] = *patch.Status
		}
		if patch.Resolution != nil {
			changes["resolution"] = *patch.Resolution
		}
		if err := tx.Model(&caseRow{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return fmt.Errorf("reload case: %w", err)
		}
		updated = row.toRecord()
		return nil
	})
	if err != nil {
		return model.Case{}, err
	}
	return updated, nil
}

// QueryByStatus returns cases in status, newest first.
func (s *GormStore) QueryByStatus(ctx context.Context, status string) ([]model.Case, error) {
	var rows []caseRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query cases by status: %w", err)
	}
	result := make([]model.Case, len(rows))
	for i, row := range rows {
		result[i] = row.toRecord()
	}
	return result, nil
}

// HealthCheck pings the underlying database.
func (s *GormStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

type caseRow struct {
	ID                 string `gorm:"primaryKey;size:64"`
	ConversationID     string `gorm:"size:256;not null"`
	UserID             string `gorm:"size:256;not null"`
	UserName           string `gorm:"size:256"`
	OrderID            string `gorm:"size:128"`
	CustomerEmail      string `gorm:"size:256"`
	IssueDescription   string `gorm:"not null"`
	Action             string `gorm:"size:32;not null"`
	RefundAmount       *float64
	Status             string `gorm:"size:32;not null;index:idx_support_cases_status_created,priority:1"`
	WorkflowInstanceID string `gorm:"size:64"`
	Resolution         string
	Version            int       `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;index:idx_support_cases_status_created,priority:2"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (caseRow) TableName() string {
	return "support_cases"
}

func caseRowFromRecord(c model.Case) caseRow {
	return caseRow{
		ID:                 c.ID,
		ConversationID:     c.ConversationID,
		UserID:             c.UserID,
		UserName:           c.UserName,
		OrderID:            c.OrderID,
		CustomerEmail:      c.CustomerEmail,
		IssueDescription:   c.IssueDescription,
		Action:             c.Action,
		RefundAmount:       c.RefundAmount,
		Status:             c.Status,
		WorkflowInstanceID: c.WorkflowInstanceID,
		Resolution:         c.Resolution,
		Version:            c.Version,
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func (r caseRow) toRecord() model.Case {
	return model.Case{
		ID:                 r.ID,
		ConversationID:     r.ConversationID,
		UserID:             r.UserID,
		UserName:           r.UserName,
		OrderID:            r.OrderID,
		CustomerEmail:      r.CustomerEmail,
		IssueDescription:   r.IssueDescription,
		Action:             r.Action,
		RefundAmount:       r.RefundAmount,
		Status:             r.Status,
		WorkflowInstanceID: r.WorkflowInstanceID,
		Resolution:         r.Resolution,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}
