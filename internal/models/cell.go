package models

import "time"

// Cell - одна версия значения ячейки (строка, колонка).
// Ячейки только добавляются: изменение значения помечает старую ячейку удаленной
// и создает новую. Текущая ячейка пары - последняя без DeletedAt.
type Cell struct {
	ID           int64      `db:"id" json:"id"`
	DataSourceID int64      `db:"data_source_id" json:"data_source_id"`
	RowID        int64      `db:"row_id" json:"row_id"`
	ColumnID     int64      `db:"column_id" json:"column_id"`
	Value        string     `db:"value" json:"value"`
	Checksum     string     `db:"checksum" json:"checksum"`
	Encrypted    bool       `db:"encrypted" json:"encrypted"` // Value - PGP сообщение
	Comment      *string    `db:"comment" json:"comment,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
