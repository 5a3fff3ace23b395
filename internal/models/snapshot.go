package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Snapshot - сохраняемая в блоб таблица: составной ключ строки -> упорядоченный вектор значений.
// Порядок ключей сохраняется при (де)сериализации, первая запись - заголовок.
type Snapshot struct {
	keys []string
	rows map[string][]string
}

// NewSnapshot создает пустой снимок.
func NewSnapshot() *Snapshot {
	return &Snapshot{rows: make(map[string][]string)}
}

// Set добавляет или заменяет строку по ключу.
func (s *Snapshot) Set(key string, row []string) {
	if s.rows == nil {
		s.rows = make(map[string][]string)
	}
	if _, ok := s.rows[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.rows[key] = row
}

// Get возвращает строку по ключу.
func (s *Snapshot) Get(key string) ([]string, bool) {
	row, ok := s.rows[key]
	return row, ok
}

// Keys возвращает ключи в порядке добавления.
func (s *Snapshot) Keys() []string {
	return s.keys
}

// Len возвращает количество строк вместе с заголовком.
func (s *Snapshot) Len() int {
	return len(s.keys)
}

// Header возвращает первую строку снимка (имена колонок).
func (s *Snapshot) Header() []string {
	if len(s.keys) == 0 {
		return nil
	}
	return s.rows[s.keys[0]]
}

// Rows возвращает строки без заголовка в порядке добавления.
func (s *Snapshot) Rows() [][]string {
	if len(s.keys) < 2 {
		return nil
	}
	out := make([][]string, 0, len(s.keys)-1)
	for _, key := range s.keys[1:] {
		out = append(out, s.rows[key])
	}
	return out
}

// MarshalJSON кодирует снимок как JSON-объект с сохранением порядка ключей.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.rows[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON декодирует JSON-объект, сохраняя порядок ключей.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("снимок должен быть JSON-объектом")
	}
	s.keys = nil
	s.rows = make(map[string][]string)
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("неожиданный токен ключа снимка: %v", tok)
		}
		var row []string
		if err = dec.Decode(&row); err != nil {
			return fmt.Errorf("ошибка декодирования строки '%s': %w", key, err)
		}
		s.Set(key, row)
	}
	_, err = dec.Token() // закрывающая скобка
	return err
}

// CompositeKey строит составной ключ "<номер строки>_<значение ключа>".
func CompositeKey(rowIndex int, keyValue string) string {
	return strconv.Itoa(rowIndex) + "_" + keyValue
}

// LogicalKey выделяет логический ключ из составного: значение ключа,
// либо номер строки, если ключевая часть пуста.
func LogicalKey(composite string) string {
	rowNumber, key, _ := strings.Cut(composite, "_")
	if key == "" {
		return rowNumber
	}
	return key
}
