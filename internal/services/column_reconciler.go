package services

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
)

// ColumnPlan - результат сопоставления нового заголовка с текущими колонками.
// Mappings выровнены по позициям заголовка; Column == nil означает новую колонку.
type ColumnPlan struct {
	Mappings []models.ColumnMapping
	ToDelete []models.Column
}

// KeyPosition возвращает позицию колонки-ключа в новом заголовке или -1.
func (p ColumnPlan) KeyPosition() int {
	for _, m := range p.Mappings {
		if m.Column != nil && m.Column.Key && !m.Column.Omit {
			return m.Position
		}
	}
	return -1
}

// Changed сообщает, требует ли план создания или удаления колонок.
func (p ColumnPlan) Changed() bool {
	if len(p.ToDelete) > 0 {
		return true
	}
	for _, m := range p.Mappings {
		if m.Column == nil {
			return true
		}
	}
	return false
}

// ReconcileInput - данные для сопоставления колонок.
type ReconcileInput struct {
	Previous []models.Column // текущие колонки источника
	Header   []string        // нормализованный новый заголовок
	// Rows - значения и контрольные суммы строк данных (без заголовка).
	// Используются для распознавания переименованных и повторяющихся колонок.
	Values        [][]string
	Checksums     [][]string
	PreviousRows  []models.Row
	PreviousCells []models.Cell
}

// CheckStructure проверяет, что мультимножество имен нового заголовка совпадает
// с мультимножеством имен текущих колонок. Для источника без колонок проверка не выполняется.
func CheckStructure(previous []models.Column, header []string) error {
	if len(previous) == 0 {
		return nil
	}
	names := make([]string, 0, len(previous))
	for _, c := range previous {
		names = append(names, c.Name)
	}
	if !checksum.SameSet(names, header) {
		return &StructuralChangeError{Previous: names, Current: header}
	}
	return nil
}

// PlanColumns сопоставляет позиции нового заголовка с текущими колонками. Функция не
// выполняет запросов: план применяется отдельно через ApplyColumnPlan.
//
// Сначала однозначные совпадения по имени: имя встречается в заголовке один раз и
// ровно у одной текущей колонки. Остальные позиции сопоставляются по контрольным суммам
// ячеек в строках, существовавших ранее: кандидат принимается, только если его суммы
// совпали во всех наблюдениях. Из кандидатов побеждает наибольшее число совпадений,
// затем меньший ID колонки; каждая колонка занимается не более одного раза.
func PlanColumns(in ReconcileInput) ColumnPlan {
	plan := ColumnPlan{Mappings: make([]models.ColumnMapping, len(in.Header))}
	for i, name := range in.Header {
		plan.Mappings[i] = models.ColumnMapping{Position: i, Name: name}
	}

	headerCount := make(map[string]int, len(in.Header))
	for _, name := range in.Header {
		headerCount[name]++
	}
	byName := make(map[string][]int, len(in.Previous))
	for i, c := range in.Previous {
		byName[c.Name] = append(byName[c.Name], i)
	}

	claimed := make([]bool, len(in.Previous))
	for i, name := range in.Header {
		found := byName[name]
		if headerCount[name] == 1 && len(found) == 1 {
			column := in.Previous[found[0]]
			plan.Mappings[i].Column = &column
			claimed[found[0]] = true
		}
	}

	matchAmbiguous(in, plan.Mappings, claimed)

	for i, c := range in.Previous {
		if !claimed[i] {
			plan.ToDelete = append(plan.ToDelete, c)
		}
	}
	return plan
}

type columnStat struct {
	position int
	prev     int // индекс в in.Previous
	observed int
	matched  int
}

func matchAmbiguous(in ReconcileInput, mappings []models.ColumnMapping, claimed []bool) {
	var unresolved []int
	for i, m := range mappings {
		if m.Column == nil {
			unresolved = append(unresolved, i)
		}
	}
	remaining := make(map[int64]int) // ID колонки -> индекс в in.Previous
	for i, c := range in.Previous {
		if !claimed[i] {
			remaining[c.ID] = i
		}
	}
	if len(unresolved) == 0 || len(remaining) == 0 || len(in.Checksums) == 0 {
		return
	}

	// Ключи строк берем по колонке-ключу, если она уже однозначно сопоставлена.
	keyPos := ColumnPlan{Mappings: mappings}.KeyPosition()
	rowKeys := make(map[string]int, len(in.Checksums))
	for i := range in.Checksums {
		rowKeys[rowKey(in.Values, keyPos, i)] = i
	}

	rowByID := make(map[int64]string, len(in.PreviousRows))
	for _, r := range in.PreviousRows {
		rowByID[r.ID] = r.Key
	}

	stats := make(map[[2]int]*columnStat)
	for _, cell := range in.PreviousCells {
		prevIdx, ok := remaining[cell.ColumnID]
		if !ok {
			continue
		}
		key, ok := rowByID[cell.RowID]
		if !ok {
			continue
		}
		newRow, ok := rowKeys[key]
		if !ok {
			continue
		}
		for _, pos := range unresolved {
			st := stats[[2]int{pos, prevIdx}]
			if st == nil {
				st = &columnStat{position: pos, prev: prevIdx}
				stats[[2]int{pos, prevIdx}] = st
			}
			st.observed++
			if cellAt(in.Checksums, newRow, pos) == cell.Checksum {
				st.matched++
			}
		}
	}

	candidates := make([]*columnStat, 0, len(stats))
	for _, st := range stats {
		if st.observed > 0 && st.matched == st.observed {
			candidates = append(candidates, st)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.matched != b.matched {
			return a.matched > b.matched
		}
		if in.Previous[a.prev].ID != in.Previous[b.prev].ID {
			return in.Previous[a.prev].ID < in.Previous[b.prev].ID
		}
		return a.position < b.position
	})

	for _, st := range candidates {
		if claimed[st.prev] || mappings[st.position].Column != nil {
			continue
		}
		column := in.Previous[st.prev]
		mappings[st.position].Column = &column
		mappings[st.position].Renamed = column.Name != mappings[st.position].Name
		claimed[st.prev] = true
	}
}

// rowKey возвращает ключ строки данных i (нумерация строк таблицы начинается с 1, 0 - заголовок).
func rowKey(values [][]string, keyPos, i int) string {
	if keyPos >= 0 {
		if v := checksum.Normalize(cellAt(values, i, keyPos)); v != "" {
			return v
		}
	}
	return strconv.Itoa(i+1) + "_"
}

func cellAt(grid [][]string, row, col int) string {
	if row < 0 || row >= len(grid) || col < 0 || col >= len(grid[row]) {
		return ""
	}
	return grid[row][col]
}

// ApplyColumnPlan создает новые колонки, переименовывает сопоставленные по контрольным
// суммам и помечает удаленными несопоставленные.
// Возвращает колонки, выровненные по позициям заголовка.
func ApplyColumnPlan(
	ctx context.Context,
	columns repository.ColumnRepository,
	dataSourceID int64,
	plan ColumnPlan,
	now time.Time,
) ([]models.Column, error) {
	for _, c := range plan.ToDelete {
		if err := columns.SoftDelete(ctx, c.ID, now); err != nil {
			return nil, errors.Wrapf(err, "удаление колонки %d", c.ID)
		}
	}

	aligned := make([]models.Column, len(plan.Mappings))
	for i, m := range plan.Mappings {
		if m.Column != nil {
			aligned[i] = *m.Column
			if m.Renamed {
				if err := columns.Rename(ctx, m.Column.ID, m.Name); err != nil {
					return nil, errors.Wrapf(err, "переименование колонки %d", m.Column.ID)
				}
				aligned[i].Name = m.Name
			}
			continue
		}
		column := models.Column{DataSourceID: dataSourceID, Name: m.Name}
		id, err := columns.Create(ctx, &column)
		if err != nil {
			return nil, errors.Wrapf(err, "создание колонки '%s'", m.Name)
		}
		column.ID = id
		aligned[i] = column
	}
	return aligned, nil
}
