// Package checksum вычисляет детерминированные контрольные суммы значений ячеек,
// строк и заголовков. Алгоритм (BLAKE3-256, hex) не должен меняться: исторические
// контрольные суммы сравниваются с новыми.
package checksum

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize обрезает пробелы по краям и схлопывает внутренние пробельные последовательности.
func Normalize(value string) string {
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(value), " ")
}

// Of возвращает контрольную сумму нормализованного строкового значения.
func Of(value string) string {
	return sum([]byte(Normalize(value)))
}

// OfSlice возвращает контрольную сумму упорядоченного вектора (например, контрольных сумм строки).
func OfSlice(values []string) string {
	if values == nil {
		values = []string{}
	}
	//nolint:errchkjson // срез строк всегда сериализуется
	encoded, _ := json.Marshal(values)
	return sum(encoded)
}

// OfBytes возвращает контрольную сумму произвольных байт без нормализации.
func OfBytes(data []byte) string {
	return sum(data)
}

// SameSet сравнивает два набора имен без учета порядка (как мультимножества).
func SameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sum(data []byte) string {
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:])
}
