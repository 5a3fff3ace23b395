package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/storage"
)

// SnapshotPair - пара блобов одного снимка: значения и контрольные суммы.
type SnapshotPair struct {
	FileID     string
	ChecksumID string
}

// DiffResult - логические различия двух снимков.
type DiffResult struct {
	AddedRowIDs      []string
	DeletedRowIDs    []string
	DeletedRows      models.RowsByKey
	CellValueChanges models.CellValueChanges
	Message          string
}

// DiffGenerator сравнивает сохраненные снимки.
type DiffGenerator struct {
	blobs storage.BlobStore
}

// NewDiffGenerator создает генератор различий поверх хранилища блобов.
func NewDiffGenerator(blobs storage.BlobStore) *DiffGenerator {
	return &DiffGenerator{blobs: blobs}
}

// Generate сравнивает предыдущий и текущий снимки. Отсутствие предыдущего снимка
// в хранилище означает, что все строки добавлены; отсутствие текущего - ошибка.
func (g *DiffGenerator) Generate(ctx context.Context, previous, current SnapshotPair) (*DiffResult, error) {
	prevData, prevSums, err := g.loadPair(ctx, previous)
	if err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			return nil, err
		}
		slog.Warn("[DiffGenerator] Предыдущий снимок не найден, считаем все строки добавленными",
			"fileID", previous.FileID, "checksumID", previous.ChecksumID)
		prevData, prevSums = models.NewSnapshot(), models.NewSnapshot()
	}
	curData, curSums, err := g.loadPair(ctx, current)
	if err != nil {
		return nil, err
	}
	return CompareSnapshots(prevData, prevSums, curData, curSums), nil
}

func (g *DiffGenerator) loadPair(ctx context.Context, pair SnapshotPair) (*models.Snapshot, *models.Snapshot, error) {
	data, err := g.load(ctx, pair.FileID)
	if err != nil {
		return nil, nil, err
	}
	sums, err := g.load(ctx, pair.ChecksumID)
	if err != nil {
		return nil, nil, err
	}
	return data, sums, nil
}

func (g *DiffGenerator) load(ctx context.Context, id string) (*models.Snapshot, error) {
	return loadSnapshot(ctx, g.blobs, id)
}

func loadSnapshot(ctx context.Context, blobs storage.BlobStore, id string) (*models.Snapshot, error) {
	if id == "" {
		return nil, errors.Wrap(ErrBlobNotFound, "пустой идентификатор блоба")
	}
	raw, err := blobs.Download(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, errors.Wrapf(ErrBlobNotFound, "блоб %s", id)
		}
		return nil, errors.Wrapf(err, "загрузка блоба %s", id)
	}
	snapshot := models.NewSnapshot()
	if err = json.Unmarshal(raw, snapshot); err != nil {
		return nil, errors.Wrapf(err, "разбор блоба %s", id)
	}
	return snapshot, nil
}

// CompareSnapshots вычисляет различия по логическим ключам строк. Колонки сопоставляются
// по именам заголовка, поэтому перестановка колонок не дает изменений.
func CompareSnapshots(prevData, prevSums, curData, curSums *models.Snapshot) *DiffResult {
	prevKeys, prevOrder := logicalKeys(prevSums)
	curKeys, curOrder := logicalKeys(curSums)

	result := &DiffResult{
		AddedRowIDs:      []string{},
		DeletedRowIDs:    []string{},
		DeletedRows:      models.RowsByKey{},
		CellValueChanges: models.CellValueChanges{},
	}

	var intersection []string
	for _, logical := range prevOrder {
		if _, ok := curKeys[logical]; ok {
			intersection = append(intersection, logical)
			continue
		}
		result.DeletedRowIDs = append(result.DeletedRowIDs, logical)
		if values, ok := prevData.Get(prevKeys[logical]); ok {
			result.DeletedRows[logical] = values
		}
	}
	for _, logical := range curOrder {
		if _, ok := prevKeys[logical]; !ok {
			result.AddedRowIDs = append(result.AddedRowIDs, logical)
		}
	}

	prevHeader := prevSums.Header()
	mapping := mapColumns(prevHeader, curSums.Header())
	for _, logical := range intersection {
		prevRow, _ := prevSums.Get(prevKeys[logical])
		curRow, _ := curSums.Get(curKeys[logical])
		if slices.Equal(prevRow, curRow) {
			continue
		}
		prevValues, _ := prevData.Get(prevKeys[logical])
		curValues, _ := curData.Get(curKeys[logical])
		for prevIdx, curIdx := range mapping {
			if curIdx < 0 || at(prevRow, prevIdx) == at(curRow, curIdx) {
				continue
			}
			result.CellValueChanges = append(result.CellValueChanges, models.CellValueChange{
				RowID:         logical,
				ColumnName:    prevHeader[prevIdx],
				PreviousValue: at(prevValues, prevIdx),
				CurrentValue:  at(curValues, curIdx),
			})
		}
	}

	result.Message = fmt.Sprintf("%d rows added, %d rows deleted, %d cell value changes.",
		len(result.AddedRowIDs), len(result.DeletedRowIDs), len(result.CellValueChanges))
	return result
}

// logicalKeys строит соответствие логический ключ -> составной ключ (без заголовка)
// и порядок логических ключей.
func logicalKeys(s *models.Snapshot) (map[string]string, []string) {
	keys := s.Keys()
	mapping := make(map[string]string, len(keys))
	order := make([]string, 0, len(keys))
	for i, composite := range keys {
		if i == 0 {
			continue
		}
		logical := models.LogicalKey(composite)
		if _, ok := mapping[logical]; !ok {
			order = append(order, logical)
		}
		mapping[logical] = composite
	}
	return mapping, order
}

// mapColumns сопоставляет позиции предыдущего заголовка позициям текущего по имени.
// Повторяющиеся имена сопоставляются по порядку появления; -1 - колонки больше нет.
func mapColumns(previous, current []string) []int {
	used := make([]bool, len(current))
	mapping := make([]int, len(previous))
	for i, name := range previous {
		mapping[i] = -1
		for j, candidate := range current {
			if !used[j] && candidate == name {
				mapping[i] = j
				used[j] = true
				break
			}
		}
	}
	return mapping
}

func at(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
