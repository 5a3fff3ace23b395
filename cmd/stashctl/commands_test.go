package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/models"
)

func TestParseCSV(t *testing.T) {
	t.Run("Заголовок и контрольные суммы", func(t *testing.T) {
		req, err := parseCSV(strings.NewReader("Name,Comment\nAnn,\"likes, commas\"\nBob,\n"), "people.csv")
		require.NoError(t, err)
		assert.Equal(t, []string{"Name", "Comment"}, req.ColumnNames)
		assert.Equal(t, [][]string{{"Ann", "likes, commas"}, {"Bob", ""}}, req.Data)
		require.Len(t, req.Checksum, 2)
		assert.Equal(t, checksum.Of("likes, commas"), req.Checksum[0][1])
		assert.Equal(t, checksum.Of(""), req.Checksum[1][1])
		assert.Equal(t, "people.csv", req.SourceName)
	})

	t.Run("Только заголовок", func(t *testing.T) {
		req, err := parseCSV(strings.NewReader("Name\n"), "x.csv")
		require.NoError(t, err)
		assert.Empty(t, req.Data)
		assert.NotNil(t, req.Checksum)
	})

	t.Run("Пустой файл", func(t *testing.T) {
		_, err := parseCSV(strings.NewReader(""), "x.csv")
		require.Error(t, err)
	})
}

func TestSetupRequest(t *testing.T) {
	columns := []models.Column{{ID: 1, Name: "Email"}, {ID: 2, Name: "Phone"}, {ID: 3, Name: "Note"}}

	req, err := setupRequest(columns, "Email", []string{"Note"}, []string{"Phone"})
	require.NoError(t, err)
	require.NotNil(t, req.Key)
	assert.Equal(t, int64(1), *req.Key)
	assert.Equal(t, []int64{3}, req.Omit)
	assert.Equal(t, []int64{2}, req.Encrypt)

	_, err = setupRequest(columns, "Missing", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing")
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "0", "-1"} {
		_, err = parseID(bad)
		assert.Error(t, err, bad)
	}
}

// runCommand выполняет stashctl с аргументами против тестового сервера.
func runCommand(t *testing.T, handler http.Handler, args ...string) (string, error) {
	t.Helper()
	server := httptest.NewServer(handler)
	defer server.Close()

	t.Setenv(envServer, server.URL)
	t.Setenv(envToken, "test-token")

	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestUploadCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("Name\nAnn\n"), 0o600))

	var got models.UploadRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasources/7/upload", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"changed": true, "diff_id": 3, "stats": {"rows_created": 1}}`))
	})

	out, err := runCommand(t, handler, "upload", "7", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Name"}, got.ColumnNames)
	assert.Equal(t, [][]string{{checksum.Of("Ann")}}, got.Checksum)
	assert.Contains(t, out, "Снимок сохранен")
	assert.Contains(t, out, "+1")
	assert.Contains(t, out, "Запись о различиях: 3")
}

func TestHistoryCommand(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasources/7/history", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id": 5, "status": "done", "message": "1 строка добавлена"},` +
			` {"id": 4, "status": "failed", "message": ""}]`))
	})

	out, err := runCommand(t, handler, "history", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "1 строка добавлена")
	assert.Contains(t, out, "failed")
	assert.Less(t, strings.Index(out, "5"), strings.Index(out, "failed"))
}

func TestDiffCommand(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": 3, "status": "done", "added_row_ids": ["bob"], "deleted_row_ids": ["carl"],` +
			` "cell_value_changes": [{"row_id": "ann", "column_name": "Phone",` +
			` "previous_value": "1", "current_value": "2"}]}`))
	})

	out, err := runCommand(t, handler, "diff", "7", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "+ bob")
	assert.Contains(t, out, "- carl")
	assert.Contains(t, out, `~ ann [Phone]: "1" -> "2"`)
}

func TestCommandServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": "набор колонок изменился"}`))
	})

	_, err := runCommand(t, handler, "history", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "набор колонок изменился")
}
