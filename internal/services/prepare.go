package services

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/encryption"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/queue"
)

// normalizeGrid нормализует заголовок и проверяет размерность таблиц.
// Возвращает заголовок, строки значений и строки контрольных сумм без заголовка.
func normalizeGrid(grid models.Grid) ([]string, [][]string, [][]string, error) {
	if len(grid.Values) == 0 || len(grid.Values[0]) == 0 {
		return nil, nil, nil, ErrEmptyGrid
	}
	header := make([]string, len(grid.Values[0]))
	for i, name := range grid.Values[0] {
		header[i] = checksum.Normalize(name)
	}

	if !grid.HasChecksums() {
		for i := range grid.Values {
			if len(grid.Values[i]) > len(header) {
				return nil, nil, nil, &CardinalityError{
					DataRows:      len(grid.Values),
					DataColumns:   len(grid.Values[i]),
					HeaderColumns: len(header),
					Row:           i,
				}
			}
		}
		return header, grid.Values[1:], nil, nil
	}

	if len(grid.Checksums) != len(grid.Values) {
		return nil, nil, nil, &CardinalityError{
			DataRows:     len(grid.Values),
			ChecksumRows: len(grid.Checksums),
			DataColumns:  len(grid.Values[0]),
			Row:          -1,
		}
	}
	checksumHeader := make([]string, len(grid.Checksums[0]))
	for i, name := range grid.Checksums[0] {
		checksumHeader[i] = checksum.Normalize(name)
	}
	if !checksum.SameSet(header, checksumHeader) {
		return nil, nil, nil, &StructuralChangeError{Previous: header, Current: checksumHeader}
	}
	for i := range grid.Values {
		if len(grid.Values[i]) > len(header) || len(grid.Checksums[i]) != len(grid.Values[i]) {
			return nil, nil, nil, &CardinalityError{
				DataRows:        len(grid.Values),
				ChecksumRows:    len(grid.Checksums),
				DataColumns:     len(grid.Values[i]),
				ChecksumColumns: len(grid.Checksums[i]),
				HeaderColumns:   len(header),
				Row:             i,
			}
		}
	}
	return header, grid.Values[1:], grid.Checksums[1:], nil
}

// fillChecksums дополняет короткие строки пустыми значениями и вычисляет недостающие
// контрольные суммы. Суммы, переданные вызывающим, используются как есть.
func fillChecksums(header []string, values, supplied [][]string) ([][]string, [][]string) {
	rows := make([][]string, len(values))
	sums := make([][]string, len(values))
	for i := range values {
		rows[i] = make([]string, len(header))
		sums[i] = make([]string, len(header))
		for j := range header {
			rows[i][j] = cellAt(values, i, j)
			if s := cellAt(supplied, i, j); s != "" {
				sums[i][j] = s
			} else {
				sums[i][j] = checksum.Of(rows[i][j])
			}
		}
	}
	return rows, sums
}

// preparedCell - значение колонки, которая сохраняется (не omit).
type preparedCell struct {
	Position int
	Value    string
	Checksum string
}

// preparedRow - строка, готовая к слиянию.
type preparedRow struct {
	GridIndex int
	Key       string // ключ строки в БД
	Composite string // ключ строки в блобе
	Checksum  string
	Cells     []preparedCell
}

// preparedSnapshot - снимок после применения ролей колонок.
type preparedSnapshot struct {
	Rows         []preparedRow
	Data         *models.Snapshot
	Checksums    *models.Snapshot
	DataChecksum string
}

type snapshotOptions struct {
	FromUpload bool
	PublicKey  string
	Encryptor  encryption.Provider
}

// prepareSnapshot применяет роли колонок (key, omit, encrypt), строит составные ключи,
// проверяет уникальность ключей и шифрует значения колонок encrypt.
func prepareSnapshot(
	ctx context.Context,
	header []string,
	columns []models.Column,
	rows, sums [][]string,
	opts snapshotOptions,
) (*preparedSnapshot, error) {
	kept := make([]int, 0, len(columns))
	keyPos := -1
	for i, c := range columns {
		if c.Omit {
			continue
		}
		kept = append(kept, i)
		if c.Key {
			keyPos = i
		}
	}

	snap := &preparedSnapshot{
		Rows:      make([]preparedRow, 0, len(rows)),
		Data:      models.NewSnapshot(),
		Checksums: models.NewSnapshot(),
	}
	headerRow := project(header, kept)
	headerKey := models.CompositeKey(0, "")
	snap.Data.Set(headerKey, headerRow)
	snap.Checksums.Set(headerKey, headerRow)

	keys := make([]string, 0, len(rows))
	logicalKeys := make([]string, 0, len(rows))
	for i := range rows {
		gridIndex := i + 1
		key := rowKey(rows, keyPos, i)
		keyValue := ""
		if keyPos >= 0 {
			keyValue = checksum.Normalize(rows[i][keyPos])
		}
		composite := models.CompositeKey(gridIndex, keyValue)
		keys = append(keys, key)
		logicalKeys = append(logicalKeys, models.LogicalKey(composite))

		rowSums := project(sums[i], kept)
		cells := make([]preparedCell, len(kept))
		for n, pos := range kept {
			cells[n] = preparedCell{Position: pos, Value: rows[i][pos], Checksum: sums[i][pos]}
		}
		snap.Rows = append(snap.Rows, preparedRow{
			GridIndex: gridIndex,
			Key:       key,
			Composite: composite,
			Checksum:  checksum.OfSlice(rowSums),
			Cells:     cells,
		})
	}

	// Ключ строки в БД и логический ключ снимка должны быть уникальны одновременно:
	// пустое значение ключа в строке 3 дает "3_" в БД и "3" в снимке.
	if dups := duplicates(keys, logicalKeys); len(dups) > 0 {
		return nil, &DuplicateKeyError{Keys: dups}
	}

	if err := encryptCells(ctx, snap.Rows, columns, opts); err != nil {
		return nil, err
	}

	encryptFlags := make([]string, len(kept))
	for n, pos := range kept {
		encryptFlags[n] = fmt.Sprintf("%s:%t", header[pos], columns[pos].Encrypt)
	}
	for _, r := range snap.Rows {
		values := make([]string, len(r.Cells))
		rowSums := make([]string, len(r.Cells))
		for n, c := range r.Cells {
			values[n] = c.Value
			rowSums[n] = c.Checksum
		}
		snap.Data.Set(r.Composite, values)
		snap.Checksums.Set(r.Composite, rowSums)
	}

	encoded, err := snap.Checksums.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "сериализация контрольных сумм")
	}
	// Шифротекст PGP случаен, поэтому изменение данных определяется по контрольным суммам
	// и набору зашифрованных колонок.
	snap.DataChecksum = checksum.OfSlice([]string{checksum.OfBytes(encoded), checksum.OfSlice(encryptFlags)})
	return snap, nil
}

func encryptCells(ctx context.Context, rows []preparedRow, columns []models.Column, opts snapshotOptions) error {
	for r := range rows {
		for n, cell := range rows[r].Cells {
			if !columns[cell.Position].Encrypt {
				continue
			}
			if opts.FromUpload && encryption.IsArmoredMessage(cell.Value) {
				continue
			}
			if opts.Encryptor == nil {
				return errors.Wrap(ErrEncryptionFailure, "провайдер шифрования не настроен")
			}
			ciphertext, err := opts.Encryptor.Encrypt(ctx, cell.Value, opts.PublicKey)
			if err != nil {
				wrapped := fmt.Errorf("%w: строка %d, колонка '%s': %w",
					ErrEncryptionFailure, rows[r].GridIndex, columns[cell.Position].Name, err)
				if queue.IsRetryable(err) {
					return queue.Retryable(wrapped)
				}
				return wrapped
			}
			rows[r].Cells[n].Value = ciphertext
		}
	}
	return nil
}

func project(row []string, positions []int) []string {
	out := make([]string, len(positions))
	for n, pos := range positions {
		if pos < len(row) {
			out[n] = row[pos]
		}
	}
	return out
}

// duplicates возвращает отсортированный список значений, встречающихся более одного
// раза хотя бы в одном из наборов.
func duplicates(sets ...[]string) []string {
	var out []string
	for _, values := range sets {
		seen := make(map[string]int, len(values))
		for _, v := range values {
			seen[v]++
		}
		for v, n := range seen {
			if n > 1 {
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
