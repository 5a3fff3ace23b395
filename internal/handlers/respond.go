package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stashresearch/server/internal/queue"
	"github.com/stashresearch/server/internal/services"
)

// errorResponse - тело ответа 422.
type errorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// detailer реализуют типизированные ошибки сервисов с подробностями для клиента.
type detailer interface {
	Details() map[string]any
}

// writeJSON отправляет значение в формате JSON.
func writeJSON(w http.ResponseWriter, status int, v any, component string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("["+component+"] Ошибка кодирования ответа", "err", err)
	}
}

// writeServiceError отображает ошибку сервиса в HTTP статус.
func writeServiceError(w http.ResponseWriter, err error, component string) {
	switch {
	case errors.Is(err, services.ErrStructuralChange),
		errors.Is(err, services.ErrCardinalityMismatch),
		errors.Is(err, services.ErrDuplicateKey),
		errors.Is(err, services.ErrInvalidSetup),
		errors.Is(err, services.ErrEncryptionFailure) && !queue.IsRetryable(err):
		resp := errorResponse{Error: err.Error()}
		var d detailer
		if errors.As(err, &d) {
			resp.Details = d.Details()
		}
		slog.Info("["+component+"] Запрос отклонен", "err", err)
		writeJSON(w, http.StatusUnprocessableEntity, resp, component)
	case errors.Is(err, services.ErrEmptyGrid), errors.Is(err, services.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrDataSourceNotFound):
		http.Error(w, "Источник данных не найден", http.StatusNotFound)
	case errors.Is(err, services.ErrDiffNotFound):
		http.Error(w, "Запись о различиях не найдена", http.StatusNotFound)
	case errors.Is(err, services.ErrBlobNotFound):
		http.Error(w, "Снимок не найден", http.StatusNotFound)
	case errors.Is(err, services.ErrUserNotFound):
		http.Error(w, "Пользователь не найден", http.StatusNotFound)
	case errors.Is(err, services.ErrForbidden):
		http.Error(w, "Нет доступа к источнику данных", http.StatusForbidden)
	case errors.Is(err, queue.ErrClosed), queue.IsRetryable(err):
		slog.Warn("["+component+"] Сервис временно недоступен", "err", err)
		http.Error(w, "Сервис временно недоступен", http.StatusServiceUnavailable)
	default:
		slog.Error("["+component+"] Внутренняя ошибка сервера", "err", err)
		http.Error(w, "Внутренняя ошибка сервера", http.StatusInternalServerError)
	}
}
