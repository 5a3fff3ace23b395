package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/metrics"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
)

// MergeCell - новое значение ячейки.
type MergeCell struct {
	ColumnID  int64
	Value     string
	Checksum  string
	Encrypted bool // колонка с флагом encrypt, Value - PGP сообщение
}

// matches сообщает, что сохраненная ячейка актуальна: совпадает контрольная сумма
// и форма хранения (шифротекст или открытое значение).
func (c MergeCell) matches(old models.Cell) bool {
	return c.Checksum == old.Checksum && c.Encrypted == old.Encrypted
}

// MergeRow - новая строка снимка.
type MergeRow struct {
	Key      string
	Checksum string
	Cells    []MergeCell
}

// CurrentState - текущие (неудаленные) строки и ячейки источника.
type CurrentState struct {
	Rows  []models.Row
	Cells []models.Cell
}

// LoadCurrentState читает текущие строки и ячейки источника.
func LoadCurrentState(ctx context.Context, repos repository.Repositories, dataSourceID int64) (CurrentState, error) {
	rows, err := repos.Rows.FindCurrent(ctx, dataSourceID)
	if err != nil {
		return CurrentState{}, errors.Wrap(err, "получение текущих строк")
	}
	cells, err := repos.Cells.FindCurrentByDataSource(ctx, dataSourceID)
	if err != nil {
		return CurrentState{}, errors.Wrap(err, "получение текущих ячеек")
	}
	return CurrentState{Rows: rows, Cells: cells}, nil
}

// MergeStats - итоги слияния.
type MergeStats struct {
	RowsCreated   int `json:"rows_created"`
	RowsUpdated   int `json:"rows_updated"`
	RowsDeleted   int `json:"rows_deleted"`
	RowsUnchanged int `json:"rows_unchanged"`
	CellsCreated  int `json:"cells_created"`
	CellsDeleted  int `json:"cells_deleted"`
}

// MergeRows сверяет новые строки с текущими строками источника и записывает изменения.
// Строки сопоставляются по ключу. Совпавшая строка с той же контрольной суммой не трогается,
// с другой суммой - сверяется по ячейкам. Несопоставленные старые строки помечаются
// удаленными вместе с ячейками, оставшиеся новые создаются.
// Ключи новых строк должны быть уникальны.
func MergeRows(
	ctx context.Context,
	repos repository.Repositories,
	dataSourceID int64,
	previous CurrentState,
	rows []MergeRow,
	now time.Time,
) (MergeStats, error) {
	var (
		stats MergeStats
		err   error
	)
	previousRows, previousCells := previous.Rows, previous.Cells
	cellsByRow := make(map[int64][]models.Cell, len(previousRows))
	for _, c := range previousCells {
		cellsByRow[c.RowID] = append(cellsByRow[c.RowID], c)
	}

	byKey := make(map[string]int, len(rows))
	for i, r := range rows {
		byKey[r.Key] = i
	}
	consumed := make([]bool, len(rows))

	for _, old := range previousRows {
		idx, ok := byKey[old.Key]
		if !ok || consumed[idx] {
			if err = deleteRow(ctx, repos, old, cellsByRow[old.ID], now, &stats); err != nil {
				return stats, err
			}
			continue
		}
		consumed[idx] = true
		current := rows[idx]
		if current.Checksum == old.Checksum && sameCells(cellsByRow[old.ID], current.Cells) {
			stats.RowsUnchanged++
			continue
		}
		cellIDs, err := mergeCells(ctx, repos, dataSourceID, old.ID, cellsByRow[old.ID], current.Cells, now, &stats)
		if err != nil {
			return stats, err
		}
		if err = repos.Rows.Update(ctx, old.ID, current.Checksum, cellIDs); err != nil {
			return stats, errors.Wrapf(err, "обновление строки %d", old.ID)
		}
		stats.RowsUpdated++
	}

	for i, r := range rows {
		if consumed[i] {
			continue
		}
		rowID, err := repos.Rows.Create(ctx, &models.Row{DataSourceID: dataSourceID, Key: r.Key, Checksum: r.Checksum})
		if err != nil {
			return stats, errors.Wrapf(err, "создание строки '%s'", r.Key)
		}
		cellIDs, err := mergeCells(ctx, repos, dataSourceID, rowID, nil, r.Cells, now, &stats)
		if err != nil {
			return stats, err
		}
		if err = repos.Rows.Update(ctx, rowID, r.Checksum, cellIDs); err != nil {
			return stats, errors.Wrapf(err, "обновление строки %d", rowID)
		}
		stats.RowsCreated++
	}

	metrics.CounterRowsChanged.WithLabelValues("created").Add(float64(stats.RowsCreated))
	metrics.CounterRowsChanged.WithLabelValues("updated").Add(float64(stats.RowsUpdated))
	metrics.CounterRowsChanged.WithLabelValues("deleted").Add(float64(stats.RowsDeleted))
	metrics.CounterCellsWritten.Add(float64(stats.CellsCreated))
	slog.Info("[MergeEngine] Слияние строк завершено", "dataSourceID", dataSourceID,
		"created", stats.RowsCreated, "updated", stats.RowsUpdated,
		"deleted", stats.RowsDeleted, "unchanged", stats.RowsUnchanged,
		"cellsCreated", stats.CellsCreated, "cellsDeleted", stats.CellsDeleted)
	return stats, nil
}

// sameCells сообщает, что сохраненные ячейки строки относятся к тем же колонкам и
// актуальны. Колонка может быть пересоздана при явном изменении структуры, а флаг
// encrypt может смениться при той же контрольной сумме.
func sameCells(previous []models.Cell, current []MergeCell) bool {
	if len(previous) != len(current) {
		return false
	}
	byColumn := make(map[int64]models.Cell, len(previous))
	for _, c := range previous {
		byColumn[c.ColumnID] = c
	}
	for _, c := range current {
		old, ok := byColumn[c.ColumnID]
		if !ok || !c.matches(old) {
			return false
		}
	}
	return true
}

func deleteRow(
	ctx context.Context,
	repos repository.Repositories,
	row models.Row,
	cells []models.Cell,
	now time.Time,
	stats *MergeStats,
) error {
	if err := repos.Rows.SoftDelete(ctx, row.ID, now); err != nil {
		return errors.Wrapf(err, "удаление строки %d", row.ID)
	}
	if err := repos.Cells.SoftDeleteByRow(ctx, row.ID, now); err != nil {
		return errors.Wrapf(err, "удаление ячеек строки %d", row.ID)
	}
	stats.RowsDeleted++
	stats.CellsDeleted += len(cells)
	return nil
}

// mergeCells сверяет ячейки одной строки и возвращает ID ее текущих ячеек
// в порядке новых ячеек.
func mergeCells(
	ctx context.Context,
	repos repository.Repositories,
	dataSourceID, rowID int64,
	previous []models.Cell,
	current []MergeCell,
	now time.Time,
	stats *MergeStats,
) ([]int64, error) {
	byColumn := make(map[int64]int, len(current))
	for i, c := range current {
		byColumn[c.ColumnID] = i
	}
	ids := make([]int64, len(current))
	handled := make([]bool, len(current))

	for _, old := range previous {
		idx, ok := byColumn[old.ColumnID]
		if !ok || handled[idx] {
			if err := repos.Cells.SoftDelete(ctx, old.ID, now); err != nil {
				return nil, errors.Wrapf(err, "удаление ячейки %d", old.ID)
			}
			stats.CellsDeleted++
			continue
		}
		handled[idx] = true
		if current[idx].matches(old) {
			ids[idx] = old.ID
			continue
		}
		// Старая версия закрывается до вставки новой: у пары (строка, колонка)
		// не может быть двух текущих ячеек.
		if err := repos.Cells.SoftDelete(ctx, old.ID, now); err != nil {
			return nil, errors.Wrapf(err, "удаление ячейки %d", old.ID)
		}
		stats.CellsDeleted++
		id, err := createCell(ctx, repos, dataSourceID, rowID, current[idx], old.Comment)
		if err != nil {
			return nil, err
		}
		ids[idx] = id
		stats.CellsCreated++
	}

	for i, c := range current {
		if handled[i] {
			continue
		}
		id, err := createCell(ctx, repos, dataSourceID, rowID, c, nil)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		stats.CellsCreated++
	}
	return ids, nil
}

func createCell(
	ctx context.Context,
	repos repository.Repositories,
	dataSourceID, rowID int64,
	c MergeCell,
	comment *string,
) (int64, error) {
	id, err := repos.Cells.Create(ctx, &models.Cell{
		DataSourceID: dataSourceID,
		RowID:        rowID,
		ColumnID:     c.ColumnID,
		Value:        c.Value,
		Checksum:     c.Checksum,
		Encrypted:    c.Encrypted,
		Comment:      comment,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "создание ячейки строки %d колонки %d", rowID, c.ColumnID)
	}
	return id, nil
}
