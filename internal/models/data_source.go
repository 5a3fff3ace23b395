package models

import (
	"time"

	"github.com/lib/pq"
)

// DataSource представляет источник данных (набор снимков одной таблицы).
// FileID и ChecksumID указывают на блобы последнего успешного снимка:
// полную таблицу значений и параллельную таблицу контрольных сумм.
type DataSource struct {
	ID               int64         `db:"id" json:"id"`
	OwnerID          int64         `db:"owner_id" json:"owner_id"`
	Name             string        `db:"name" json:"name"`
	Provider         string        `db:"provider" json:"provider"`
	SourceName       *string       `db:"source_name" json:"source_name,omitempty"`
	Columns          pq.Int64Array `db:"columns" json:"columns"`
	RowNumber        int           `db:"row_number" json:"row_number"`
	ColumnNumber     int           `db:"column_number" json:"column_number"`
	DataChecksum     *string       `db:"data_checksum" json:"data_checksum,omitempty"`
	ColumnChecksum   *string       `db:"column_checksum" json:"column_checksum,omitempty"`
	FileID           *string       `db:"file_id" json:"file_id,omitempty"`
	ChecksumID       *string       `db:"checksum_id" json:"checksum_id,omitempty"`
	LastDownloadedAt *time.Time    `db:"last_downloaded_at" json:"last_downloaded_at,omitempty"`
	LastModifiedAt   *time.Time    `db:"last_modified_at" json:"last_modified_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// HasSnapshot сообщает, был ли у источника хотя бы один сохраненный снимок.
func (ds *DataSource) HasSnapshot() bool {
	return ds.FileID != nil && ds.ChecksumID != nil
}

// DataSourceWithColumns - источник данных вместе с текущими колонками.
type DataSourceWithColumns struct {
	DataSource
	ColumnDetails []Column `json:"column_details"`
}

// CreateDataSourceRequest представляет тело запроса на создание источника.
type CreateDataSourceRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// SetupRequest задает роли колонок. Значения - ID колонок.
type SetupRequest struct {
	Key     *int64  `json:"key,omitempty"`
	Omit    []int64 `json:"omit,omitempty"`
	Encrypt []int64 `json:"encrypt,omitempty"`
}

// UploadRequest - загрузка таблицы без заголовка; заголовок передается в ColumnNames.
type UploadRequest struct {
	ColumnNames []string   `json:"column_names"`
	Data        [][]string `json:"data"`
	Checksum    [][]string `json:"checksum"`
	SourceName  string     `json:"source_name,omitempty"`
}

// ClientCell - ячейка в клиентском формате.
type ClientCell struct {
	Value    string `json:"v"`
	ColumnID int64  `json:"c_id"`
}

// ClientRow - строка в клиентском формате.
type ClientRow struct {
	Key   string       `json:"key"`
	Cells []ClientCell `json:"cells"`
}

// ClientData - снимок источника в клиентском формате (без опущенных колонок).
type ClientData struct {
	Meta []Column    `json:"meta"`
	Data []ClientRow `json:"data"`
}
