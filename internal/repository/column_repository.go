package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
)

// ColumnRepository определяет методы для работы с колонками.
type ColumnRepository interface {
	Create(ctx context.Context, column *models.Column) (int64, error)
	FindCurrent(ctx context.Context, dataSourceID int64) ([]models.Column, error)
	UpdateFlags(ctx context.Context, column *models.Column) error
	Rename(ctx context.Context, id int64, name string) error
	SoftDelete(ctx context.Context, id int64, at time.Time) error
}

type postgresColumnRepository struct {
	db sqlx.ExtContext
}

// NewPostgresColumnRepository создает новый экземпляр репозитория колонок.
func NewPostgresColumnRepository(db sqlx.ExtContext) ColumnRepository {
	return &postgresColumnRepository{db: db}
}

// Create создает колонку и возвращает ее ID.
func (r *postgresColumnRepository) Create(ctx context.Context, column *models.Column) (int64, error) {
	query := `INSERT INTO data_columns (data_source_id, name, key, omit, encrypt)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`
	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		column.DataSourceID, column.Name, column.Key, column.Omit, column.Encrypt,
	).Scan(&id)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return 0, ErrDuplicateKeyColumn
		}
		return 0, fmt.Errorf("ошибка выполнения запроса на создание колонки: %w", err)
	}
	slog.Debug("[ColumnRepo] Колонка создана", "columnID", id, "name", column.Name)
	return id, nil
}

// FindCurrent возвращает неудаленные колонки источника в порядке создания.
func (r *postgresColumnRepository) FindCurrent(ctx context.Context, dataSourceID int64) ([]models.Column, error) {
	query := `SELECT id, data_source_id, name, key, omit, encrypt, deleted_at
	          FROM data_columns WHERE data_source_id=$1 AND deleted_at IS NULL ORDER BY id`
	columns := make([]models.Column, 0)
	if err := sqlx.SelectContext(ctx, r.db, &columns, query, dataSourceID); err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса на получение колонок: %w", err)
	}
	return columns, nil
}

// UpdateFlags обновляет флаги key/omit/encrypt колонки.
func (r *postgresColumnRepository) UpdateFlags(ctx context.Context, column *models.Column) error {
	query := `UPDATE data_columns SET key=$2, omit=$3, encrypt=$4 WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, column.ID, column.Key, column.Omit, column.Encrypt)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return ErrDuplicateKeyColumn
		}
		return fmt.Errorf("ошибка выполнения запроса на обновление колонки: %w", err)
	}
	return expectOneRow(res, ErrColumnNotFound)
}

// Rename меняет имя колонки, сопоставленной с переименованной колонкой таблицы.
func (r *postgresColumnRepository) Rename(ctx context.Context, id int64, name string) error {
	query := `UPDATE data_columns SET name=$2 WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, name)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса на переименование колонки: %w", err)
	}
	slog.Info("[ColumnRepo] Колонка переименована", "columnID", id, "name", name)
	return expectOneRow(res, ErrColumnNotFound)
}

// SoftDelete помечает колонку удаленной.
func (r *postgresColumnRepository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE data_columns SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("ошибка выполнения запроса на удаление колонки: %w", err)
	}
	slog.Debug("[ColumnRepo] Колонка помечена удаленной", "columnID", id)
	return nil
}

// Кастомные ошибки репозитория колонок.
var (
	ErrColumnNotFound     = errors.New("колонка не найдена")
	ErrDuplicateKeyColumn = errors.New("у источника уже есть колонка-ключ")
)
