package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var dataSourceRowColumns = []string{
	"id", "owner_id", "name", "provider", "source_name", "columns", "row_number", "column_number",
	"data_checksum", "column_checksum", "file_id", "checksum_id", "last_downloaded_at", "last_modified_at",
	"created_at", "updated_at",
}

func TestDataSourceRepository_Create(t *testing.T) {
	query := regexp.QuoteMeta(`INSERT INTO data_sources (owner_id, name, provider) VALUES ($1, $2, $3) RETURNING id`)

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantID    int64
		wantErr   bool
	}{
		{
			name: "Успешное создание",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs(int64(1), "survey", "upload").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
			},
			wantID: 10,
		},
		{
			name: "Ошибка базы данных",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.mockSetup(mock)
			repo := repository.NewPostgresDataSourceRepository(db)

			id, err := repo.Create(context.Background(), &models.DataSource{OwnerID: 1, Name: "survey", Provider: "upload"})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "ошибка выполнения запроса")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantID, id)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDataSourceRepository_GetByID(t *testing.T) {
	now := time.Now()
	fileID := "data_sources/1/a.json"

	t.Run("Источник найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		rows := sqlmock.NewRows(dataSourceRowColumns).AddRow(
			int64(1), int64(2), "survey", "upload", nil, "{5,6}", 3, 2,
			"dc", "cc", fileID, "data_sources/1/b.json", now, now, now, now,
		)
		mock.ExpectQuery(`SELECT .+ FROM data_sources WHERE id=\$1$`).WithArgs(int64(1)).WillReturnRows(rows)

		ds, err := repository.NewPostgresDataSourceRepository(db).GetByID(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, pq.Int64Array{5, 6}, ds.Columns)
		assert.Equal(t, 3, ds.RowNumber)
		require.NotNil(t, ds.FileID)
		assert.Equal(t, fileID, *ds.FileID)
		assert.True(t, ds.HasSnapshot())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Источник не найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM data_sources WHERE id=\$1 FOR UPDATE`).WithArgs(int64(9)).
			WillReturnError(sql.ErrNoRows)

		ds, err := repository.NewPostgresDataSourceRepository(db).GetByIDForUpdate(context.Background(), 9)
		require.ErrorIs(t, err, repository.ErrDataSourceNotFound)
		assert.Nil(t, ds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDataSourceRepository_UpdateColumns(t *testing.T) {
	query := regexp.QuoteMeta(`UPDATE data_sources SET columns=$2, column_number=$3, column_checksum=$4, updated_at=NOW() WHERE id=$1`)

	t.Run("Колонки обновлены", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).WithArgs(int64(1), pq.Int64Array{3, 4}, 2, "cc").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repository.NewPostgresDataSourceRepository(db).UpdateColumns(context.Background(), 1, []int64{3, 4}, "cc")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Пустой список колонок сохраняется как пустой массив", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).WithArgs(int64(1), "{}", 0, "cc").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repository.NewPostgresDataSourceRepository(db).UpdateColumns(context.Background(), 1, nil, "cc")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Источник не найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repository.NewPostgresDataSourceRepository(db).UpdateColumns(context.Background(), 1, []int64{3}, "cc")
		require.ErrorIs(t, err, repository.ErrDataSourceNotFound)
	})
}
