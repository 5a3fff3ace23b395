package models

// Grid - входная таблица снимка. Строка 0 - заголовок с именами колонок.
// Checksums необязательна; если задана, должна совпадать с Values по размерам.
type Grid struct {
	Values    [][]string
	Checksums [][]string
}

// Header возвращает строку заголовка или nil для пустой таблицы.
func (g Grid) Header() []string {
	if len(g.Values) == 0 {
		return nil
	}
	return g.Values[0]
}

// HasChecksums сообщает, передана ли таблица контрольных сумм.
func (g Grid) HasChecksums() bool {
	return g.Checksums != nil
}

// NewGridFromUpload собирает Grid из запроса загрузки, добавляя заголовок к данным и контрольным суммам.
func NewGridFromUpload(req UploadRequest) Grid {
	values := make([][]string, 0, len(req.Data)+1)
	values = append(values, req.ColumnNames)
	values = append(values, req.Data...)

	var checksums [][]string
	if req.Checksum != nil {
		checksums = make([][]string, 0, len(req.Checksum)+1)
		checksums = append(checksums, req.ColumnNames)
		checksums = append(checksums, req.Checksum...)
	}
	return Grid{Values: values, Checksums: checksums}
}
