package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/stashresearch/server/internal/models"
)

// DataSourceRepository определяет методы для работы с источниками данных.
type DataSourceRepository interface {
	Create(ctx context.Context, ds *models.DataSource) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.DataSource, error)
	// GetByIDForUpdate блокирует строку источника до конца транзакции.
	GetByIDForUpdate(ctx context.Context, id int64) (*models.DataSource, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.DataSource, error)
	UpdateSnapshot(ctx context.Context, ds *models.DataSource) error
	UpdateColumns(ctx context.Context, id int64, columns []int64, columnChecksum string) error
}

// postgresDataSourceRepository реализует DataSourceRepository для PostgreSQL.
type postgresDataSourceRepository struct {
	db sqlx.ExtContext
}

// NewPostgresDataSourceRepository создает новый экземпляр репозитория источников данных.
func NewPostgresDataSourceRepository(db sqlx.ExtContext) DataSourceRepository {
	return &postgresDataSourceRepository{db: db}
}

const dataSourceColumns = `id, owner_id, name, provider, source_name, columns, row_number, column_number,
	data_checksum, column_checksum, file_id, checksum_id, last_downloaded_at, last_modified_at,
	created_at, updated_at`

// Create создает источник данных и возвращает его ID.
func (r *postgresDataSourceRepository) Create(ctx context.Context, ds *models.DataSource) (int64, error) {
	query := `INSERT INTO data_sources (owner_id, name, provider) VALUES ($1, $2, $3) RETURNING id`
	var id int64

	err := r.db.QueryRowxContext(ctx, query, ds.OwnerID, ds.Name, ds.Provider).Scan(&id)
	if err != nil {
		slog.Error("[DataSourceRepo] Ошибка создания источника", "name", ds.Name, "err", err)
		return 0, fmt.Errorf("ошибка выполнения запроса на создание источника: %w", err)
	}

	slog.Info("[DataSourceRepo] Источник создан", "dataSourceID", id, "ownerID", ds.OwnerID)
	return id, nil
}

// GetByID находит источник данных по ID.
func (r *postgresDataSourceRepository) GetByID(ctx context.Context, id int64) (*models.DataSource, error) {
	return r.get(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id=$1`, id)
}

// GetByIDForUpdate находит источник данных по ID с блокировкой строки.
func (r *postgresDataSourceRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.DataSource, error) {
	return r.get(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id=$1 FOR UPDATE`, id)
}

func (r *postgresDataSourceRepository) get(ctx context.Context, query string, id int64) (*models.DataSource, error) {
	var ds models.DataSource
	err := sqlx.GetContext(ctx, r.db, &ds, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("[DataSourceRepo] Источник не найден", "dataSourceID", id)
			return nil, ErrDataSourceNotFound
		}
		slog.Error("[DataSourceRepo] Ошибка при поиске источника", "dataSourceID", id, "err", err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение источника: %w", err)
	}
	return &ds, nil
}

// ListByOwner возвращает источники пользователя, сначала новые.
func (r *postgresDataSourceRepository) ListByOwner(ctx context.Context, ownerID int64) ([]models.DataSource, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE owner_id=$1 ORDER BY created_at DESC`
	sources := make([]models.DataSource, 0)
	if err := sqlx.SelectContext(ctx, r.db, &sources, query, ownerID); err != nil {
		slog.Error("[DataSourceRepo] Ошибка получения списка источников", "ownerID", ownerID, "err", err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение списка источников: %w", err)
	}
	return sources, nil
}

// UpdateSnapshot сохраняет указатели на блобы и метаданные последнего снимка.
func (r *postgresDataSourceRepository) UpdateSnapshot(ctx context.Context, ds *models.DataSource) error {
	query := `UPDATE data_sources SET source_name=$2, columns=$3, row_number=$4, column_number=$5,
	          data_checksum=$6, column_checksum=$7, file_id=$8, checksum_id=$9,
	          last_downloaded_at=$10, last_modified_at=$11, updated_at=NOW()
	          WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query,
		ds.ID, ds.SourceName, int64Array(ds.Columns), ds.RowNumber, ds.ColumnNumber,
		ds.DataChecksum, ds.ColumnChecksum, ds.FileID, ds.ChecksumID,
		ds.LastDownloadedAt, ds.LastModifiedAt,
	)
	if err != nil {
		slog.Error("[DataSourceRepo] Ошибка обновления снимка", "dataSourceID", ds.ID, "err", err)
		return fmt.Errorf("ошибка выполнения запроса на обновление снимка: %w", err)
	}
	return expectOneRow(res, ErrDataSourceNotFound)
}

// UpdateColumns обновляет список колонок источника после явного изменения структуры.
func (r *postgresDataSourceRepository) UpdateColumns(
	ctx context.Context,
	id int64,
	columns []int64,
	columnChecksum string,
) error {
	query := `UPDATE data_sources SET columns=$2, column_number=$3, column_checksum=$4, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id, int64Array(columns), len(columns), columnChecksum)
	if err != nil {
		slog.Error("[DataSourceRepo] Ошибка обновления колонок", "dataSourceID", id, "err", err)
		return fmt.Errorf("ошибка выполнения запроса на обновление колонок: %w", err)
	}
	return expectOneRow(res, ErrDataSourceNotFound)
}

// expectOneRow возвращает notFound, если запрос не затронул ни одной строки.
func expectOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества измененных строк: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

// Кастомные ошибки репозитория источников.
var (
	ErrDataSourceNotFound = errors.New("источник данных не найден")
)
