package models

import "time"

// Column описывает колонку источника данных.
// Колонки никогда не удаляются физически: удаление помечается DeletedAt,
// чтобы история ячеек оставалась разрешимой.
type Column struct {
	ID           int64      `db:"id" json:"id"`
	DataSourceID int64      `db:"data_source_id" json:"data_source_id"`
	Name         string     `db:"name" json:"name"`
	Key          bool       `db:"key" json:"key"`         // Колонка-ключ строки (не более одной на источник)
	Omit         bool       `db:"omit" json:"omit"`       // Значения не сохраняются
	Encrypt      bool       `db:"encrypt" json:"encrypt"` // Значения шифруются PGP
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ColumnMapping - результат сопоставления колонки нового заголовка с существующей колонкой.
type ColumnMapping struct {
	Position int     `json:"position"`
	Name     string  `json:"name"`
	Column   *Column `json:"column,omitempty"` // nil - колонка будет создана
	Renamed  bool    `json:"renamed"`          // Сопоставлена по контрольным суммам, а не по имени
}

// ColumnsRequest - новый заголовок для явного изменения структуры.
// Data и Checksum необязательны и используются для распознавания переименований.
type ColumnsRequest struct {
	ColumnNames []string   `json:"column_names"`
	Data        [][]string `json:"data,omitempty"`
	Checksum    [][]string `json:"checksum,omitempty"`
}
