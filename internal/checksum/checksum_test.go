package checksum_test

import (
	"testing"

	"github.com/stashresearch/server/internal/checksum"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "Без изменений", input: "Age", want: "Age"},
		{name: "Пробелы по краям", input: "  Age \t", want: "Age"},
		{name: "Внутренние пробелы", input: "Age   in\n\tyears", want: "Age in years"},
		{name: "Пустая строка", input: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checksum.Normalize(tt.input))
		})
	}
}

func TestOf(t *testing.T) {
	t.Run("Детерминированность", func(t *testing.T) {
		assert.Equal(t, checksum.Of("30"), checksum.Of("30"))
		assert.Len(t, checksum.Of("30"), 64)
	})

	t.Run("Нормализация пробелов", func(t *testing.T) {
		assert.Equal(t, checksum.Of("a  b"), checksum.Of(" a b "))
	})

	t.Run("Разные значения", func(t *testing.T) {
		assert.NotEqual(t, checksum.Of("30"), checksum.Of("31"))
	})
}

func TestOfSlice(t *testing.T) {
	assert.Equal(t, checksum.OfSlice([]string{"a", "b"}), checksum.OfSlice([]string{"a", "b"}))
	assert.NotEqual(t, checksum.OfSlice([]string{"a", "b"}), checksum.OfSlice([]string{"b", "a"}))
	// Границы элементов учитываются
	assert.NotEqual(t, checksum.OfSlice([]string{"ab", "c"}), checksum.OfSlice([]string{"a", "bc"}))
	assert.Equal(t, checksum.OfSlice(nil), checksum.OfSlice([]string{}))
}

func TestSameSet(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{name: "Тот же порядок", a: []string{"a", "b"}, b: []string{"a", "b"}, want: true},
		{name: "Другой порядок", a: []string{"b", "a"}, b: []string{"a", "b"}, want: true},
		{name: "Разная длина", a: []string{"a"}, b: []string{"a", "b"}, want: false},
		{name: "Дубликаты учитываются", a: []string{"a", "a", "b"}, b: []string{"a", "b", "b"}, want: false},
		{name: "Переименование", a: []string{"Timestamp", "Age"}, b: []string{"Timestamp", "AgeYears"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checksum.SameSet(tt.a, tt.b))
		})
	}
}
