package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stashresearch/server/internal/handlers"
	"github.com/stashresearch/server/internal/middleware"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/queue"
	"github.com/stashresearch/server/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mock DataSourceService --- //

type MockDataSourceService struct {
	mock.Mock
}

func (m *MockDataSourceService) Create(
	_ context.Context,
	ownerID int64,
	req models.CreateDataSourceRequest,
) (*models.DataSource, error) {
	args := m.Called(ownerID, req)
	ds, _ := args.Get(0).(*models.DataSource)
	return ds, args.Error(1)
}

func (m *MockDataSourceService) List(_ context.Context, ownerID int64) ([]models.DataSource, error) {
	args := m.Called(ownerID)
	list, _ := args.Get(0).([]models.DataSource)
	return list, args.Error(1)
}

func (m *MockDataSourceService) Get(_ context.Context, ownerID, id int64) (*models.DataSourceWithColumns, error) {
	args := m.Called(ownerID, id)
	ds, _ := args.Get(0).(*models.DataSourceWithColumns)
	return ds, args.Error(1)
}

func (m *MockDataSourceService) Setup(
	_ context.Context,
	ownerID, id int64,
	req models.SetupRequest,
) ([]models.Column, error) {
	args := m.Called(ownerID, id, req)
	columns, _ := args.Get(0).([]models.Column)
	return columns, args.Error(1)
}

func (m *MockDataSourceService) ChangeColumns(
	_ context.Context,
	ownerID, id int64,
	req models.ColumnsRequest,
	dryRun bool,
) ([]models.ColumnMapping, error) {
	args := m.Called(ownerID, id, req, dryRun)
	mappings, _ := args.Get(0).([]models.ColumnMapping)
	return mappings, args.Error(1)
}

func (m *MockDataSourceService) Upload(
	_ context.Context,
	ownerID, id int64,
	req models.UploadRequest,
) (*services.IngestResult, error) {
	args := m.Called(ownerID, id, req)
	result, _ := args.Get(0).(*services.IngestResult)
	return result, args.Error(1)
}

func (m *MockDataSourceService) Data(_ context.Context, ownerID, id int64, fileID string) (*models.ClientData, error) {
	args := m.Called(ownerID, id, fileID)
	data, _ := args.Get(0).(*models.ClientData)
	return data, args.Error(1)
}

func (m *MockDataSourceService) CSV(_ context.Context, ownerID, id int64, w io.Writer) error {
	args := m.Called(ownerID, id)
	if s, ok := args.Get(0).(string); ok {
		_, _ = io.WriteString(w, s)
	}
	return args.Error(1)
}

func (m *MockDataSourceService) History(_ context.Context, ownerID, id int64) ([]models.DataSourceDiff, error) {
	args := m.Called(ownerID, id)
	history, _ := args.Get(0).([]models.DataSourceDiff)
	return history, args.Error(1)
}

func (m *MockDataSourceService) Diff(_ context.Context, ownerID, id, diffID int64) (*models.DataSourceDiff, error) {
	args := m.Called(ownerID, id, diffID)
	diff, _ := args.Get(0).(*models.DataSourceDiff)
	return diff, args.Error(1)
}

// --- Tests --- //

const testUserID int64 = 42

// withUser имитирует middleware аутентификации.
func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), testUserID)))
	})
}

func setupDataSourceRouter(s services.DataSourceService) *chi.Mux {
	h := handlers.NewDataSourceHandler(s)
	r := chi.NewRouter()
	r.Use(withUser)
	r.Route("/datasources", h.Routes)
	return r
}

func TestDataSourceHandler_Create(t *testing.T) {
	mockService := new(MockDataSourceService)
	r := setupDataSourceRouter(mockService)

	req := models.CreateDataSourceRequest{Name: "Участники", Provider: "upload"}
	mockService.On("Create", testUserID, req).
		Return(&models.DataSource{ID: 7, OwnerID: testUserID, Name: "Участники", Provider: "upload"}, nil).Once()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/datasources/",
		strings.NewReader(`{"name": "Участники", "provider": "upload"}`)))

	assert.Equal(t, http.StatusCreated, rr.Code)
	var ds models.DataSource
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ds))
	assert.Equal(t, int64(7), ds.ID)
	mockService.AssertExpectations(t)
}

func TestDataSourceHandler_ListEmpty(t *testing.T) {
	mockService := new(MockDataSourceService)
	r := setupDataSourceRouter(mockService)
	mockService.On("List", testUserID).Return(nil, nil).Once()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/datasources/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
	mockService.AssertExpectations(t)
}

func TestDataSourceHandler_Upload(t *testing.T) {
	body := `{"column_names": ["Name"], "data": [["Ann"]], "checksum": [["c1"]]}`
	uploadReq := models.UploadRequest{
		ColumnNames: []string{"Name"},
		Data:        [][]string{{"Ann"}},
		Checksum:    [][]string{{"c1"}},
	}

	tests := []struct {
		name           string
		path           string
		body           string
		result         *services.IngestResult
		mockErr        error
		callService    bool
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Успешная загрузка",
			path:           "/datasources/7/upload",
			body:           body,
			result:         &services.IngestResult{DataSource: &models.DataSource{ID: 7}, Changed: true},
			callService:    true,
			expectedStatus: http.StatusOK,
			expectedBody:   `"changed":true`,
		},
		{
			name:           "Неверный ID источника",
			path:           "/datasources/abc/upload",
			body:           body,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Неверный ID источника данных",
		},
		{
			name:           "Невалидный JSON",
			path:           "/datasources/7/upload",
			body:           `{"column_names": [`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Неверный формат запроса",
		},
		{
			name:           "Пустой список колонок",
			path:           "/datasources/7/upload",
			body:           `{"column_names": []}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Список колонок не может быть пустым",
		},
		{
			name: "Изменение структуры",
			path: "/datasources/7/upload",
			body: body,
			mockErr: &services.StructuralChangeError{
				Previous: []string{"Email"},
				Current:  []string{"Name"},
			},
			callService:    true,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `"previous_columns":["Email"]`,
		},
		{
			name:           "Дубликаты ключей",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        &services.DuplicateKeyError{Keys: []string{"ann"}},
			callService:    true,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   `"keys":["ann"]`,
		},
		{
			name:           "Чужой источник",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        services.ErrForbidden,
			callService:    true,
			expectedStatus: http.StatusForbidden,
			expectedBody:   "Нет доступа к источнику данных",
		},
		{
			name:           "Источник не найден",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        fmt.Errorf("загрузка: %w", services.ErrDataSourceNotFound),
			callService:    true,
			expectedStatus: http.StatusNotFound,
			expectedBody:   "Источник данных не найден",
		},
		{
			name:           "Таймаут шифрования",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        queue.Retryable(fmt.Errorf("%w: таймаут", services.ErrEncryptionFailure)),
			callService:    true,
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "Очередь остановлена",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        queue.ErrClosed,
			callService:    true,
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "Внутренняя ошибка сервера",
			path:           "/datasources/7/upload",
			body:           body,
			mockErr:        errors.New("some internal error"),
			callService:    true,
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   "Внутренняя ошибка сервера",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockDataSourceService)
			r := setupDataSourceRouter(mockService)
			if tt.callService {
				mockService.On("Upload", testUserID, int64(7), uploadReq).Return(tt.result, tt.mockErr).Once()
			}

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rr.Body.String(), tt.expectedBody)
			}
			mockService.AssertExpectations(t)
		})
	}
}

func TestDataSourceHandler_Columns(t *testing.T) {
	columnsReq := models.ColumnsRequest{ColumnNames: []string{"Name", "Mail"}}
	mappings := []models.ColumnMapping{
		{Position: 0, Name: "Name", Column: &models.Column{ID: 1, Name: "Name"}},
		{Position: 1, Name: "Mail", Column: &models.Column{ID: 2, Name: "Email"}, Renamed: true},
	}

	tests := []struct {
		name   string
		path   string
		dryRun bool
	}{
		{name: "Предпросмотр", path: "/datasources/7/columns/dryrun", dryRun: true},
		{name: "Применение", path: "/datasources/7/columns", dryRun: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockDataSourceService)
			r := setupDataSourceRouter(mockService)
			mockService.On("ChangeColumns", testUserID, int64(7), columnsReq, tt.dryRun).Return(mappings, nil).Once()

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tt.path,
				strings.NewReader(`{"column_names": ["Name", "Mail"]}`)))

			assert.Equal(t, http.StatusOK, rr.Code)
			var got []models.ColumnMapping
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			require.Len(t, got, 2)
			assert.True(t, got[1].Renamed)
			mockService.AssertExpectations(t)
		})
	}
}

func TestDataSourceHandler_SetupInvalid(t *testing.T) {
	mockService := new(MockDataSourceService)
	r := setupDataSourceRouter(mockService)
	key := int64(1)
	setupReq := models.SetupRequest{Key: &key, Encrypt: []int64{1}}
	mockService.On("Setup", testUserID, int64(7), setupReq).
		Return(nil, fmt.Errorf("%w: ключевая колонка не может шифроваться", services.ErrInvalidSetup)).Once()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/datasources/7/setup",
		strings.NewReader(`{"key": 1, "encrypt": [1]}`)))

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "ключевая колонка")
	mockService.AssertExpectations(t)
}

func TestDataSourceHandler_CSV(t *testing.T) {
	t.Run("Снимок в CSV", func(t *testing.T) {
		mockService := new(MockDataSourceService)
		r := setupDataSourceRouter(mockService)
		mockService.On("CSV", testUserID, int64(7)).Return("Name\nAnn\n", nil).Once()

		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/datasources/7/csv", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
		assert.Equal(t, "Name\nAnn\n", rr.Body.String())
	})

	t.Run("Ошибка не отдает частичный CSV", func(t *testing.T) {
		mockService := new(MockDataSourceService)
		r := setupDataSourceRouter(mockService)
		mockService.On("CSV", testUserID, int64(7)).Return("Name\n", services.ErrBlobNotFound).Once()

		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/datasources/7/csv", nil))

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.NotContains(t, rr.Body.String(), "Name")
	})
}

func TestDataSourceHandler_DataPassesFileID(t *testing.T) {
	mockService := new(MockDataSourceService)
	r := setupDataSourceRouter(mockService)
	mockService.On("Data", testUserID, int64(7), "file-1").
		Return(&models.ClientData{Data: []models.ClientRow{{Key: "ann"}}}, nil).Once()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/datasources/7/data?fileId=file-1", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"key":"ann"`)
	mockService.AssertExpectations(t)
}

func TestDataSourceHandler_Diff(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		diff           *models.DataSourceDiff
		mockErr        error
		callService    bool
		expectedStatus int
	}{
		{
			name:           "Запись найдена",
			path:           "/datasources/7/diffs/3",
			diff:           &models.DataSourceDiff{ID: 3, DataSourceID: 7},
			callService:    true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Запись не найдена",
			path:           "/datasources/7/diffs/3",
			mockErr:        services.ErrDiffNotFound,
			callService:    true,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "Неверный ID записи",
			path:           "/datasources/7/diffs/x",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockDataSourceService)
			r := setupDataSourceRouter(mockService)
			if tt.callService {
				mockService.On("Diff", testUserID, int64(7), int64(3)).Return(tt.diff, tt.mockErr).Once()
			}

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			mockService.AssertExpectations(t)
		})
	}
}

func TestDataSourceHandler_HistoryEmpty(t *testing.T) {
	mockService := new(MockDataSourceService)
	r := setupDataSourceRouter(mockService)
	mockService.On("History", testUserID, int64(7)).Return(nil, nil).Once()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/datasources/7/history", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}
