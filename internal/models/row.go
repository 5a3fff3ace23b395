package models

import (
	"time"

	"github.com/lib/pq"
)

// Row описывает строку источника данных.
// Key - значение колонки-ключа или позиционный ключ "<номер строки>_", если ключ не задан.
// Checksum - хеш вектора контрольных сумм ячеек строки.
type Row struct {
	ID           int64         `db:"id" json:"id"`
	DataSourceID int64         `db:"data_source_id" json:"data_source_id"`
	Key          string        `db:"key" json:"key"`
	Checksum     string        `db:"checksum" json:"checksum"`
	Cells        pq.Int64Array `db:"cells" json:"cells"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
	DeletedAt    *time.Time    `db:"deleted_at" json:"deleted_at,omitempty"`
}
