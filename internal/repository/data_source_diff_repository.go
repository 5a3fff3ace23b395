package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
)

// DataSourceDiffRepository определяет методы для работы с записями о различиях снимков.
type DataSourceDiffRepository interface {
	Create(ctx context.Context, diff *models.DataSourceDiff) (int64, error)
	GetByID(ctx context.Context, dataSourceID, id int64) (*models.DataSourceDiff, error)
	ListByDataSource(ctx context.Context, dataSourceID int64) ([]models.DataSourceDiff, error)
	// Complete заполняет результат расчета. Запись в статусе done больше не изменяется.
	Complete(ctx context.Context, diff *models.DataSourceDiff) error
	Fail(ctx context.Context, id int64, reason string) error
}

type postgresDataSourceDiffRepository struct {
	db sqlx.ExtContext
}

// NewPostgresDataSourceDiffRepository создает новый экземпляр репозитория различий.
func NewPostgresDataSourceDiffRepository(db sqlx.ExtContext) DataSourceDiffRepository {
	return &postgresDataSourceDiffRepository{db: db}
}

const diffColumns = `id, data_source_id, previous_file_id, previous_checksum_id, file_id, checksum_id,
	added_row_ids, deleted_row_ids, deleted_rows, cell_value_changes, message, status, error,
	created_at, updated_at`

// Create создает запись о различиях в статусе pending.
func (r *postgresDataSourceDiffRepository) Create(ctx context.Context, diff *models.DataSourceDiff) (int64, error) {
	query := `INSERT INTO data_source_diffs (data_source_id, previous_file_id, previous_checksum_id, file_id, checksum_id, status)
	          VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		diff.DataSourceID, diff.PreviousFileID, diff.PreviousChecksumID,
		diff.FileID, diff.ChecksumID, models.DiffStatusPending,
	).Scan(&id)
	if err != nil {
		slog.Error("[DiffRepo] Ошибка создания записи о различиях", "dataSourceID", diff.DataSourceID, "err", err)
		return 0, fmt.Errorf("ошибка выполнения запроса на создание записи о различиях: %w", err)
	}
	slog.Info("[DiffRepo] Запись о различиях создана", "diffID", id, "dataSourceID", diff.DataSourceID)
	return id, nil
}

// GetByID находит запись о различиях источника по ID.
func (r *postgresDataSourceDiffRepository) GetByID(
	ctx context.Context,
	dataSourceID, id int64,
) (*models.DataSourceDiff, error) {
	query := `SELECT ` + diffColumns + ` FROM data_source_diffs WHERE id=$1 AND data_source_id=$2`
	var diff models.DataSourceDiff
	if err := sqlx.GetContext(ctx, r.db, &diff, query, id, dataSourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDiffNotFound
		}
		return nil, fmt.Errorf("ошибка выполнения запроса на получение записи о различиях: %w", err)
	}
	return &diff, nil
}

// ListByDataSource возвращает историю различий источника, сначала новые.
func (r *postgresDataSourceDiffRepository) ListByDataSource(
	ctx context.Context,
	dataSourceID int64,
) ([]models.DataSourceDiff, error) {
	query := `SELECT ` + diffColumns + ` FROM data_source_diffs WHERE data_source_id=$1 ORDER BY created_at DESC, id DESC`
	diffs := make([]models.DataSourceDiff, 0)
	if err := sqlx.SelectContext(ctx, r.db, &diffs, query, dataSourceID); err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса на получение истории различий: %w", err)
	}
	return diffs, nil
}

// Complete сохраняет результат расчета и переводит запись в статус done.
func (r *postgresDataSourceDiffRepository) Complete(ctx context.Context, diff *models.DataSourceDiff) error {
	query := `UPDATE data_source_diffs
	          SET added_row_ids=$2, deleted_row_ids=$3, deleted_rows=$4, cell_value_changes=$5,
	              message=$6, status=$7, error=NULL, updated_at=NOW()
	          WHERE id=$1 AND status=$8`
	res, err := r.db.ExecContext(ctx, query,
		diff.ID, stringArray(diff.AddedRowIDs), stringArray(diff.DeletedRowIDs),
		diff.DeletedRows, diff.CellValueChanges, diff.Message,
		models.DiffStatusDone, models.DiffStatusPending,
	)
	if err != nil {
		slog.Error("[DiffRepo] Ошибка сохранения различий", "diffID", diff.ID, "err", err)
		return fmt.Errorf("ошибка выполнения запроса на сохранение различий: %w", err)
	}
	return expectOneRow(res, ErrDiffNotPending)
}

// Fail переводит запись в статус failed с текстом ошибки.
func (r *postgresDataSourceDiffRepository) Fail(ctx context.Context, id int64, reason string) error {
	query := `UPDATE data_source_diffs SET status=$2, error=$3, updated_at=NOW() WHERE id=$1 AND status=$4`
	res, err := r.db.ExecContext(ctx, query, id, models.DiffStatusFailed, reason, models.DiffStatusPending)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса на отметку ошибки расчета: %w", err)
	}
	return expectOneRow(res, ErrDiffNotPending)
}

func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}

// Кастомные ошибки репозитория различий.
var (
	ErrDiffNotFound   = errors.New("запись о различиях не найдена")
	ErrDiffNotPending = errors.New("запись о различиях уже обработана")
)
