package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Статусы записи о различиях.
const (
	DiffStatusPending = "pending"
	DiffStatusDone    = "done"
	DiffStatusFailed  = "failed"
)

// CellValueChange описывает изменение значения одной ячейки между снимками.
type CellValueChange struct {
	RowID         string `json:"row_id"`
	ColumnName    string `json:"column_name"`
	PreviousValue string `json:"previous_value"`
	CurrentValue  string `json:"current_value"`
}

// CellValueChanges хранится в колонке jsonb.
type CellValueChanges []CellValueChange

// Value реализует driver.Valuer.
func (c CellValueChanges) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

// Scan реализует sql.Scanner.
func (c *CellValueChanges) Scan(src any) error {
	return scanJSON(src, c)
}

// RowsByKey - удаленные строки (составной ключ -> значения), хранится в jsonb.
type RowsByKey map[string][]string

// Value реализует driver.Valuer.
func (r RowsByKey) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Scan реализует sql.Scanner.
func (r *RowsByKey) Scan(src any) error {
	return scanJSON(src, r)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("неподдерживаемый тип для jsonb")
	}
}

// DataSourceDiff - неизменяемая запись аудита об одном цикле сверки.
// Создается со статусом pending при загрузке, заполняется задачей расчета различий.
type DataSourceDiff struct {
	ID                 int64            `db:"id" json:"id"`
	DataSourceID       int64            `db:"data_source_id" json:"data_source_id"`
	PreviousFileID     string           `db:"previous_file_id" json:"previous_file_id"`
	PreviousChecksumID string           `db:"previous_checksum_id" json:"previous_checksum_id"`
	FileID             string           `db:"file_id" json:"file_id"`
	ChecksumID         string           `db:"checksum_id" json:"checksum_id"`
	AddedRowIDs        pq.StringArray   `db:"added_row_ids" json:"added_row_ids"`
	DeletedRowIDs      pq.StringArray   `db:"deleted_row_ids" json:"deleted_row_ids"`
	DeletedRows        RowsByKey        `db:"deleted_rows" json:"deleted_rows"`
	CellValueChanges   CellValueChanges `db:"cell_value_changes" json:"cell_value_changes"`
	Message            string           `db:"message" json:"message"`
	Status             string           `db:"status" json:"status"`
	Error              *string          `db:"error" json:"error,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}
