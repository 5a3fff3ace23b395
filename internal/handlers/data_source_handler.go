package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stashresearch/server/internal/middleware"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/services"
)

// MaxUploadBytes ограничивает размер тела запроса загрузки снимка.
const MaxUploadBytes = 64 << 20

const dataSourceComponent = "DataSourceHandler"

// DataSourceHandler обрабатывает HTTP-запросы, связанные с источниками данных.
type DataSourceHandler struct {
	service services.DataSourceService
}

// NewDataSourceHandler создает новый экземпляр DataSourceHandler.
func NewDataSourceHandler(s services.DataSourceService) *DataSourceHandler {
	return &DataSourceHandler{service: s}
}

// Routes регистрирует маршруты источников данных.
func (h *DataSourceHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/setup", h.Setup)
		r.Post("/columns", h.ChangeColumns)
		r.Post("/columns/dryrun", h.PreviewColumns)
		r.Post("/upload", h.Upload)
		r.Get("/data", h.Data)
		r.Get("/csv", h.CSV)
		r.Get("/history", h.History)
		r.Get("/diffs/{diffID}", h.Diff)
	})
}

// List возвращает источники текущего пользователя.
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	if list == nil {
		list = []models.DataSource{}
	}
	writeJSON(w, http.StatusOK, list, dataSourceComponent)
}

// Create создает источник данных.
func (h *DataSourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req models.CreateDataSourceRequest
	if !decode(w, r, &req) {
		return
	}
	ds, err := h.service.Create(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusCreated, ds, dataSourceComponent)
}

// Get возвращает источник вместе с колонками.
func (h *DataSourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	ds, err := h.service.Get(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, ds, dataSourceComponent)
}

// Setup задает роли колонок (key, omit, encrypt).
func (h *DataSourceHandler) Setup(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req models.SetupRequest
	if !decode(w, r, &req) {
		return
	}
	columns, err := h.service.Setup(r.Context(), userID, id, req)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, columns, dataSourceComponent)
}

// ChangeColumns применяет новую структуру колонок.
func (h *DataSourceHandler) ChangeColumns(w http.ResponseWriter, r *http.Request) {
	h.columns(w, r, false)
}

// PreviewColumns возвращает сопоставление колонок без сохранения.
func (h *DataSourceHandler) PreviewColumns(w http.ResponseWriter, r *http.Request) {
	h.columns(w, r, true)
}

func (h *DataSourceHandler) columns(w http.ResponseWriter, r *http.Request, dryRun bool) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req models.ColumnsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.ColumnNames) == 0 {
		http.Error(w, "Список колонок не может быть пустым", http.StatusBadRequest)
		return
	}
	mappings, err := h.service.ChangeColumns(r.Context(), userID, id, req, dryRun)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, mappings, dataSourceComponent)
}

// Upload загружает снимок и возвращает результат цикла загрузки.
func (h *DataSourceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	var req models.UploadRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.ColumnNames) == 0 {
		http.Error(w, "Список колонок не может быть пустым", http.StatusBadRequest)
		return
	}

	slog.Info("["+dataSourceComponent+"] Загрузка снимка", "dataSourceID", id, "rows", len(req.Data))
	result, err := h.service.Upload(r.Context(), userID, id, req)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, result, dataSourceComponent)
}

// Data возвращает снимок в формате клиента.
func (h *DataSourceHandler) Data(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	data, err := h.service.Data(r.Context(), userID, id, r.URL.Query().Get("fileId"))
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, data, dataSourceComponent)
}

// CSV отдает текущий снимок в формате CSV.
func (h *DataSourceHandler) CSV(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	// Ответ собирается целиком, чтобы ошибка не оборвала уже начатый CSV.
	var buf bytes.Buffer
	if err := h.service.CSV(r.Context(), userID, id, &buf); err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="data_source_`+strconv.FormatInt(id, 10)+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// History возвращает записи о различиях, новые первыми.
func (h *DataSourceHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	history, err := h.service.History(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	if history == nil {
		history = []models.DataSourceDiff{}
	}
	writeJSON(w, http.StatusOK, history, dataSourceComponent)
}

// Diff возвращает одну запись о различиях.
func (h *DataSourceHandler) Diff(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	diffID, err := strconv.ParseInt(chi.URLParam(r, "diffID"), 10, 64)
	if err != nil {
		http.Error(w, "Неверный ID записи о различиях", http.StatusBadRequest)
		return
	}
	diff, err := h.service.Diff(r.Context(), userID, id, diffID)
	if err != nil {
		writeServiceError(w, err, dataSourceComponent)
		return
	}
	writeJSON(w, http.StatusOK, diff, dataSourceComponent)
}

func (h *DataSourceHandler) user(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		slog.Error("[" + dataSourceComponent + "] Не удалось получить userID из контекста")
		http.Error(w, "Внутренняя ошибка сервера", http.StatusInternalServerError)
	}
	return userID, ok
}

// target возвращает ID пользователя и ID источника из пути.
func (h *DataSourceHandler) target(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := h.user(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Неверный ID источника данных", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Info("["+dataSourceComponent+"] Ошибка декодирования запроса", "err", err)
		http.Error(w, "Неверный формат запроса", http.StatusBadRequest)
		return false
	}
	return true
}
