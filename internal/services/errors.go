package services

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Виды ошибок цикла загрузки. Типизированные ошибки ниже сводятся к ним через errors.Is.
var (
	ErrStructuralChange    = errors.New("изменилась структура данных")
	ErrCardinalityMismatch = errors.New("таблицы данных и контрольных сумм имеют разную размерность")
	ErrDuplicateKey        = errors.New("ключи строк не уникальны")
	ErrEncryptionFailure   = errors.New("ошибка шифрования значения")
	ErrBlobNotFound        = errors.New("снимок не найден в хранилище")
	ErrInvalidSetup        = errors.New("некорректная настройка колонок")
	ErrEmptyGrid           = errors.New("таблица не содержит заголовка")
	ErrInvalidRequest      = errors.New("некорректный запрос")
)

// Ошибки доступа к сущностям.
var (
	ErrDataSourceNotFound = errors.New("источник данных не найден")
	ErrForbidden          = errors.New("нет доступа к источнику данных")
	ErrDiffNotFound       = errors.New("запись о различиях не найдена")
	ErrUserNotFound       = errors.New("пользователь не найден")
)

// StructuralChangeError - набор имен колонок отличается от предыдущего.
type StructuralChangeError struct {
	Previous []string
	Current  []string
}

func (e *StructuralChangeError) Error() string {
	return fmt.Sprintf("%s: было [%s], стало [%s]",
		ErrStructuralChange, strings.Join(e.Previous, ", "), strings.Join(e.Current, ", "))
}

func (e *StructuralChangeError) Unwrap() error { return ErrStructuralChange }

// Details возвращает подробности для ответа API.
func (e *StructuralChangeError) Details() map[string]any {
	return map[string]any{"previous_columns": e.Previous, "current_columns": e.Current}
}

// CardinalityError - размеры таблиц данных и контрольных сумм не совпадают.
type CardinalityError struct {
	DataRows        int
	ChecksumRows    int
	DataColumns     int
	ChecksumColumns int
	HeaderColumns   int
	// Row - номер строки с расхождением, -1 если различается число строк.
	Row int
}

func (e *CardinalityError) Error() string {
	if e.Row >= 0 && e.HeaderColumns > 0 && e.DataColumns > e.HeaderColumns {
		return fmt.Sprintf("%s: строка %d содержит %d значений при %d колонках заголовка",
			ErrCardinalityMismatch, e.Row, e.DataColumns, e.HeaderColumns)
	}
	if e.Row >= 0 {
		return fmt.Sprintf("%s: строка %d содержит %d значений и %d контрольных сумм",
			ErrCardinalityMismatch, e.Row, e.DataColumns, e.ChecksumColumns)
	}
	return fmt.Sprintf("%s: %d строк данных и %d строк контрольных сумм",
		ErrCardinalityMismatch, e.DataRows, e.ChecksumRows)
}

func (e *CardinalityError) Unwrap() error { return ErrCardinalityMismatch }

// Details возвращает подробности для ответа API.
func (e *CardinalityError) Details() map[string]any {
	return map[string]any{
		"data_row_number":        e.DataRows,
		"checksum_row_number":    e.ChecksumRows,
		"data_column_number":     e.DataColumns,
		"checksum_column_number": e.ChecksumColumns,
		"header_column_number":   e.HeaderColumns,
		"row":                    e.Row,
	}
}

// DuplicateKeyError перечисляет повторяющиеся значения ключа.
type DuplicateKeyError struct {
	Keys []string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateKey, strings.Join(e.Keys, ", "))
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// Details возвращает подробности для ответа API.
func (e *DuplicateKeyError) Details() map[string]any {
	return map[string]any{"keys": e.Keys}
}
