package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
)

// RowRepository определяет методы для работы со строками.
type RowRepository interface {
	Create(ctx context.Context, row *models.Row) (int64, error)
	FindCurrent(ctx context.Context, dataSourceID int64) ([]models.Row, error)
	Update(ctx context.Context, id int64, checksum string, cells []int64) error
	SoftDelete(ctx context.Context, id int64, at time.Time) error
}

type postgresRowRepository struct {
	db sqlx.ExtContext
}

// NewPostgresRowRepository создает новый экземпляр репозитория строк.
func NewPostgresRowRepository(db sqlx.ExtContext) RowRepository {
	return &postgresRowRepository{db: db}
}

// Create создает строку и возвращает ее ID.
func (r *postgresRowRepository) Create(ctx context.Context, row *models.Row) (int64, error) {
	query := `INSERT INTO data_rows (data_source_id, key, checksum, cells) VALUES ($1, $2, $3, $4) RETURNING id`
	var id int64
	err := r.db.QueryRowxContext(ctx, query, row.DataSourceID, row.Key, row.Checksum, int64Array(row.Cells)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ошибка выполнения запроса на создание строки: %w", err)
	}
	return id, nil
}

// FindCurrent возвращает неудаленные строки источника.
func (r *postgresRowRepository) FindCurrent(ctx context.Context, dataSourceID int64) ([]models.Row, error) {
	query := `SELECT id, data_source_id, key, checksum, cells, created_at, updated_at, deleted_at
	          FROM data_rows WHERE data_source_id=$1 AND deleted_at IS NULL ORDER BY id`
	rows := make([]models.Row, 0)
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, dataSourceID); err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса на получение строк: %w", err)
	}
	return rows, nil
}

// Update сохраняет новую контрольную сумму строки и список ее текущих ячеек.
func (r *postgresRowRepository) Update(ctx context.Context, id int64, checksum string, cells []int64) error {
	query := `UPDATE data_rows SET checksum=$2, cells=$3, updated_at=NOW() WHERE id=$1`
	if _, err := r.db.ExecContext(ctx, query, id, checksum, int64Array(cells)); err != nil {
		return fmt.Errorf("ошибка выполнения запроса на обновление строки: %w", err)
	}
	return nil
}

// SoftDelete помечает строку удаленной.
func (r *postgresRowRepository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE data_rows SET deleted_at=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("ошибка выполнения запроса на удаление строки: %w", err)
	}
	return nil
}

// int64Array заменяет nil пустым массивом: колонки массивов объявлены NOT NULL.
func int64Array(values []int64) pq.Int64Array {
	if values == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(values)
}
