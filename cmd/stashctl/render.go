package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/services"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	deletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

var statusStyles = map[string]lipgloss.Style{
	models.DiffStatusDone:    okStyle,
	models.DiffStatusPending: mutedStyle,
	models.DiffStatusFailed:  deletedStyle,
}

func printDataSources(w io.Writer, list []models.DataSource) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("Источников нет"))
		return
	}
	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
		headerStyle.Render(padRight("ID", 6)),
		headerStyle.Render(padRight("NAME", 24)),
		headerStyle.Render(padRight("ROWS", 8)),
		headerStyle.Render("MODIFIED"),
	)
	for _, ds := range list {
		_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
			padRight(fmt.Sprint(ds.ID), 6),
			padRight(truncate(ds.Name, 24), 24),
			padRight(fmt.Sprint(ds.RowNumber), 8),
			formatTime(ds.LastModifiedAt),
		)
	}
}

func printDataSource(w io.Writer, ds *models.DataSourceWithColumns) {
	_, _ = fmt.Fprintf(w, "%s %s (%d)\n", headerStyle.Render("Источник:"), ds.Name, ds.ID)
	_, _ = fmt.Fprintf(w, "Строк: %d, колонок: %d, изменен: %s\n",
		ds.RowNumber, ds.ColumnNumber, formatTime(ds.LastModifiedAt))
	printColumns(w, ds.ColumnDetails)
}

func printColumns(w io.Writer, columns []models.Column) {
	_, _ = fmt.Fprintf(w, "%s  %s  %s\n",
		headerStyle.Render(padRight("ID", 6)),
		headerStyle.Render(padRight("COLUMN", 24)),
		headerStyle.Render("ROLE"),
	)
	for _, c := range columns {
		var roles []string
		if c.Key {
			roles = append(roles, "key")
		}
		if c.Omit {
			roles = append(roles, "omit")
		}
		if c.Encrypt {
			roles = append(roles, "encrypt")
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %s\n",
			padRight(fmt.Sprint(c.ID), 6),
			padRight(truncate(c.Name, 24), 24),
			mutedStyle.Render(strings.Join(roles, ",")),
		)
	}
}

func printMappings(w io.Writer, mappings []models.ColumnMapping, dryRun bool) {
	if dryRun {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("Предпросмотр, изменения не сохранены"))
	}
	for _, m := range mappings {
		switch {
		case m.Column == nil:
			_, _ = fmt.Fprintf(w, "%d  %s\n", m.Position, addedStyle.Render("+ "+m.Name))
		case m.Renamed:
			_, _ = fmt.Fprintf(w, "%d  %s\n", m.Position,
				changedStyle.Render(fmt.Sprintf("~ %s -> %s", m.Column.Name, m.Name)))
		default:
			_, _ = fmt.Fprintf(w, "%d  %s\n", m.Position, "  "+m.Name)
		}
	}
}

func printUploadResult(w io.Writer, result *services.IngestResult) {
	if !result.Changed {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("Данные не изменились"))
		return
	}
	s := result.Stats
	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
		okStyle.Render("Снимок сохранен"),
		addedStyle.Render(fmt.Sprintf("+%d", s.RowsCreated)),
		changedStyle.Render(fmt.Sprintf("~%d", s.RowsUpdated)),
		deletedStyle.Render(fmt.Sprintf("-%d", s.RowsDeleted)),
	)
	if result.DiffID != nil {
		_, _ = fmt.Fprintf(w, "Запись о различиях: %d\n", *result.DiffID)
	}
}

func printHistory(w io.Writer, history []models.DataSourceDiff) {
	if len(history) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("История пуста"))
		return
	}
	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
		headerStyle.Render(padRight("ID", 6)),
		headerStyle.Render(padRight("CREATED", 20)),
		headerStyle.Render(padRight("STATUS", 8)),
		headerStyle.Render("MESSAGE"),
	)
	for _, d := range history {
		_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n",
			padRight(fmt.Sprint(d.ID), 6),
			padRight(d.CreatedAt.Format(time.DateTime), 20),
			statusStyles[d.Status].Render(padRight(d.Status, 8)),
			d.Message,
		)
	}
}

func printDiff(w io.Writer, d *models.DataSourceDiff) {
	_, _ = fmt.Fprintf(w, "%s %d  %s\n", headerStyle.Render("Различия"), d.ID,
		statusStyles[d.Status].Render(d.Status))
	if d.Message != "" {
		_, _ = fmt.Fprintln(w, d.Message)
	}
	if d.Error != nil {
		_, _ = fmt.Fprintln(w, deletedStyle.Render("Ошибка: "+*d.Error))
	}
	for _, key := range d.AddedRowIDs {
		_, _ = fmt.Fprintln(w, addedStyle.Render("+ "+key))
	}
	for _, key := range d.DeletedRowIDs {
		_, _ = fmt.Fprintln(w, deletedStyle.Render("- "+key))
	}
	for _, c := range d.CellValueChanges {
		_, _ = fmt.Fprintln(w, changedStyle.Render(
			fmt.Sprintf("~ %s [%s]: %q -> %q", c.RowID, c.ColumnName, c.PreviousValue, c.CurrentValue)))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func padRight(s string, n int) string {
	width := lipgloss.Width(s)
	if width >= n {
		return s
	}
	return s + strings.Repeat(" ", n-width)
}
