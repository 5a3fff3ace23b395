package repository_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var diffRowColumns = []string{
	"id", "data_source_id", "previous_file_id", "previous_checksum_id", "file_id", "checksum_id",
	"added_row_ids", "deleted_row_ids", "deleted_rows", "cell_value_changes", "message", "status", "error",
	"created_at", "updated_at",
}

func TestDiffRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO data_source_diffs`)).
		WithArgs(int64(1), "prev-file", "prev-sum", "file", "sum", models.DiffStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))

	id, err := repository.NewPostgresDataSourceDiffRepository(db).Create(context.Background(), &models.DataSourceDiff{
		DataSourceID:       1,
		PreviousFileID:     "prev-file",
		PreviousChecksumID: "prev-sum",
		FileID:             "file",
		ChecksumID:         "sum",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDiffRepository_GetByID(t *testing.T) {
	now := time.Now()

	t.Run("Запись найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		rows := sqlmock.NewRows(diffRowColumns).AddRow(
			int64(4), int64(1), "pf", "pc", "f", "c",
			"{3}", "{2}", []byte(`{"2":["2","b"]}`),
			[]byte(`[{"row_id":"1","column_name":"name","previous_value":"a","current_value":"z"}]`),
			"1 rows added, 1 rows deleted, 1 cell value changes.", models.DiffStatusDone, nil, now, now,
		)
		mock.ExpectQuery(`SELECT .+ FROM data_source_diffs WHERE id=\$1 AND data_source_id=\$2`).
			WithArgs(int64(4), int64(1)).WillReturnRows(rows)

		diff, err := repository.NewPostgresDataSourceDiffRepository(db).GetByID(context.Background(), 1, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"3"}, []string(diff.AddedRowIDs))
		assert.Equal(t, []string{"2", "b"}, diff.DeletedRows["2"])
		require.Len(t, diff.CellValueChanges, 1)
		assert.Equal(t, "z", diff.CellValueChanges[0].CurrentValue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Запись не найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM data_source_diffs`).WillReturnError(sql.ErrNoRows)

		_, err := repository.NewPostgresDataSourceDiffRepository(db).GetByID(context.Background(), 1, 5)
		require.ErrorIs(t, err, repository.ErrDiffNotFound)
	})
}

func TestDiffRepository_Complete(t *testing.T) {
	query := regexp.QuoteMeta(`UPDATE data_source_diffs`)
	diff := &models.DataSourceDiff{ID: 4, Message: "0 rows added, 0 rows deleted, 0 cell value changes."}

	t.Run("Запись завершена", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).
			WithArgs(int64(4), "{}", "{}", sqlmock.AnyArg(), sqlmock.AnyArg(), diff.Message,
				models.DiffStatusDone, models.DiffStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repository.NewPostgresDataSourceDiffRepository(db).Complete(context.Background(), diff))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Запись уже обработана", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repository.NewPostgresDataSourceDiffRepository(db).Complete(context.Background(), diff)
		require.ErrorIs(t, err, repository.ErrDiffNotPending)
	})

	t.Run("Отметка ошибки", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(query).
			WithArgs(int64(4), models.DiffStatusFailed, "blob missing", models.DiffStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repository.NewPostgresDataSourceDiffRepository(db).Fail(context.Background(), 4, "blob missing"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
