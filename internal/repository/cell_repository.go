package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
)

// CellRepository определяет методы для работы с версиями ячеек.
type CellRepository interface {
	Create(ctx context.Context, cell *models.Cell) (int64, error)
	FindCurrentByRow(ctx context.Context, rowID int64) ([]models.Cell, error)
	FindCurrentByDataSource(ctx context.Context, dataSourceID int64) ([]models.Cell, error)
	SoftDelete(ctx context.Context, id int64, at time.Time) error
	SoftDeleteByRow(ctx context.Context, rowID int64, at time.Time) error
}

type postgresCellRepository struct {
	db sqlx.ExtContext
}

// NewPostgresCellRepository создает новый экземпляр репозитория ячеек.
func NewPostgresCellRepository(db sqlx.ExtContext) CellRepository {
	return &postgresCellRepository{db: db}
}

const cellColumns = `id, data_source_id, row_id, column_id, value, checksum, encrypted, comment, created_at, deleted_at`

// Create добавляет новую версию ячейки.
// Уникальный частичный индекс не допускает двух текущих ячеек для одной пары (строка, колонка).
func (r *postgresCellRepository) Create(ctx context.Context, cell *models.Cell) (int64, error) {
	query := `INSERT INTO data_cells (data_source_id, row_id, column_id, value, checksum, encrypted, comment)
	          VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		cell.DataSourceID, cell.RowID, cell.ColumnID, cell.Value, cell.Checksum, cell.Encrypted, cell.Comment,
	).Scan(&id)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return 0, fmt.Errorf("%w: строка %d, колонка %d", ErrCurrentCellExists, cell.RowID, cell.ColumnID)
		}
		return 0, fmt.Errorf("ошибка выполнения запроса на создание ячейки: %w", err)
	}
	return id, nil
}

// FindCurrentByRow возвращает текущие ячейки строки.
func (r *postgresCellRepository) FindCurrentByRow(ctx context.Context, rowID int64) ([]models.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM data_cells WHERE row_id=$1 AND deleted_at IS NULL ORDER BY id`
	cells := make([]models.Cell, 0)
	if err := sqlx.SelectContext(ctx, r.db, &cells, query, rowID); err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса на получение ячеек строки: %w", err)
	}
	return cells, nil
}

// FindCurrentByDataSource возвращает все текущие ячейки источника одним запросом.
func (r *postgresCellRepository) FindCurrentByDataSource(ctx context.Context, dataSourceID int64) ([]models.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM data_cells WHERE data_source_id=$1 AND deleted_at IS NULL ORDER BY id`
	cells := make([]models.Cell, 0)
	if err := sqlx.SelectContext(ctx, r.db, &cells, query, dataSourceID); err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса на получение ячеек источника: %w", err)
	}
	return cells, nil
}

// SoftDelete помечает ячейку удаленной.
func (r *postgresCellRepository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE data_cells SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("ошибка выполнения запроса на удаление ячейки: %w", err)
	}
	return nil
}

// SoftDeleteByRow помечает удаленными все текущие ячейки строки.
func (r *postgresCellRepository) SoftDeleteByRow(ctx context.Context, rowID int64, at time.Time) error {
	query := `UPDATE data_cells SET deleted_at=$2 WHERE row_id=$1 AND deleted_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, rowID, at); err != nil {
		return fmt.Errorf("ошибка выполнения запроса на удаление ячеек строки: %w", err)
	}
	return nil
}

// Кастомные ошибки репозитория ячеек.
var (
	ErrCurrentCellExists = errors.New("текущая ячейка для пары (строка, колонка) уже существует")
)
