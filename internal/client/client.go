package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/services"
)

const defaultTimeout = 5 * time.Minute

// Ошибки ответов сервера.
var (
	// ErrAuthorization сигнализирует об ошибке авторизации (401).
	ErrAuthorization = errors.New("ошибка авторизации")
	ErrForbidden     = errors.New("нет доступа к источнику данных")
	ErrNotFound      = errors.New("объект не найден на сервере")
	ErrNoToken       = errors.New("токен аутентификации отсутствует")
)

// APIError - ответ сервера с кодом ошибки. Для 422 содержит подробности.
type APIError struct {
	Status  int
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ошибка сервера (статус %d): %s", e.Status, e.Message)
}

// Client определяет интерфейс для взаимодействия с API сервера Stash.
type Client interface {
	// Register регистрирует нового пользователя.
	Register(ctx context.Context, username, password string) error
	// Login аутентифицирует пользователя и возвращает JWT токен.
	Login(ctx context.Context, username, password string) (string, error)
	// SetPublicKey сохраняет публичный PGP-ключ пользователя.
	SetPublicKey(ctx context.Context, armoredKey string) error
	CreateDataSource(ctx context.Context, name, provider string) (*models.DataSource, error)
	ListDataSources(ctx context.Context) ([]models.DataSource, error)
	GetDataSource(ctx context.Context, id int64) (*models.DataSourceWithColumns, error)
	Setup(ctx context.Context, id int64, req models.SetupRequest) ([]models.Column, error)
	// ChangeColumns применяет новую структуру колонок или, при dryRun, только показывает сопоставление.
	ChangeColumns(ctx context.Context, id int64, req models.ColumnsRequest, dryRun bool) ([]models.ColumnMapping, error)
	Upload(ctx context.Context, id int64, req models.UploadRequest) (*services.IngestResult, error)
	Data(ctx context.Context, id int64, fileID string) (*models.ClientData, error)
	// CSV записывает текущий снимок в w.
	CSV(ctx context.Context, id int64, w io.Writer) error
	History(ctx context.Context, id int64) ([]models.DataSourceDiff, error)
	Diff(ctx context.Context, id, diffID int64) (*models.DataSourceDiff, error)
	// SetAuthToken устанавливает JWT токен для аутентифицированных запросов.
	SetAuthToken(token string)
}

// httpClient реализует интерфейс Client для взаимодействия с сервером по HTTP.
type httpClient struct {
	baseURL    string       // Базовый URL сервера, например "http://localhost:8080"
	httpClient *http.Client // HTTP клиент для выполнения запросов
	authToken  string       // JWT токен для аутентифицированных запросов
}

// NewHTTPClient создает новый экземпляр API клиента.
func NewHTTPClient(baseURL string) Client {
	return &httpClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// SetAuthToken устанавливает токен аутентификации для клиента.
func (c *httpClient) SetAuthToken(token string) {
	c.authToken = token
}

// Register отправляет запрос на регистрацию на сервер.
func (c *httpClient) Register(ctx context.Context, username, password string) error {
	req := models.RegisterRequest{Username: username, Password: password}
	return c.do(ctx, http.MethodPost, "/api/register", nil, req, http.StatusCreated, nil, false)
}

// Login отправляет запрос на вход на сервер и сохраняет токен.
func (c *httpClient) Login(ctx context.Context, username, password string) (string, error) {
	req := models.LoginRequest{Username: username, Password: password}
	var resp models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", nil, req, http.StatusOK, &resp, false)
	if errors.Is(err, ErrAuthorization) {
		return "", errors.New("неверное имя пользователя или пароль")
	}
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("сервер вернул пустой токен")
	}

	// Сохраняем токен в клиенте для последующих запросов
	c.authToken = resp.Token
	return resp.Token, nil
}

func (c *httpClient) SetPublicKey(ctx context.Context, armoredKey string) error {
	req := models.PublicKeyRequest{PublicKey: armoredKey}
	return c.do(ctx, http.MethodPut, "/api/user/key", nil, req, http.StatusNoContent, nil, true)
}

func (c *httpClient) CreateDataSource(ctx context.Context, name, provider string) (*models.DataSource, error) {
	req := models.CreateDataSourceRequest{Name: name, Provider: provider}
	var ds models.DataSource
	if err := c.do(ctx, http.MethodPost, "/api/datasources/", nil, req, http.StatusCreated, &ds, true); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (c *httpClient) ListDataSources(ctx context.Context) ([]models.DataSource, error) {
	var list []models.DataSource
	if err := c.do(ctx, http.MethodGet, "/api/datasources/", nil, nil, http.StatusOK, &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *httpClient) GetDataSource(ctx context.Context, id int64) (*models.DataSourceWithColumns, error) {
	var ds models.DataSourceWithColumns
	if err := c.do(ctx, http.MethodGet, dataSourcePath(id, ""), nil, nil, http.StatusOK, &ds, true); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (c *httpClient) Setup(ctx context.Context, id int64, req models.SetupRequest) ([]models.Column, error) {
	var columns []models.Column
	if err := c.do(ctx, http.MethodPost, dataSourcePath(id, "setup"), nil, req, http.StatusOK, &columns, true); err != nil {
		return nil, err
	}
	return columns, nil
}

func (c *httpClient) ChangeColumns(
	ctx context.Context,
	id int64,
	req models.ColumnsRequest,
	dryRun bool,
) ([]models.ColumnMapping, error) {
	path := dataSourcePath(id, "columns")
	if dryRun {
		path += "/dryrun"
	}
	var mappings []models.ColumnMapping
	if err := c.do(ctx, http.MethodPost, path, nil, req, http.StatusOK, &mappings, true); err != nil {
		return nil, err
	}
	return mappings, nil
}

func (c *httpClient) Upload(ctx context.Context, id int64, req models.UploadRequest) (*services.IngestResult, error) {
	var result services.IngestResult
	if err := c.do(ctx, http.MethodPost, dataSourcePath(id, "upload"), nil, req, http.StatusOK, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) Data(ctx context.Context, id int64, fileID string) (*models.ClientData, error) {
	query := url.Values{}
	if fileID != "" {
		query.Set("fileId", fileID)
	}
	var data models.ClientData
	if err := c.do(ctx, http.MethodGet, dataSourcePath(id, "data"), query, nil, http.StatusOK, &data, true); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *httpClient) CSV(ctx context.Context, id int64, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, dataSourcePath(id, "csv"), nil, nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if _, err = io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("ошибка чтения CSV: %w", err)
	}
	return nil
}

func (c *httpClient) History(ctx context.Context, id int64) ([]models.DataSourceDiff, error) {
	var history []models.DataSourceDiff
	if err := c.do(ctx, http.MethodGet, dataSourcePath(id, "history"), nil, nil, http.StatusOK, &history, true); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *httpClient) Diff(ctx context.Context, id, diffID int64) (*models.DataSourceDiff, error) {
	var diff models.DataSourceDiff
	path := dataSourcePath(id, "diffs/"+strconv.FormatInt(diffID, 10))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &diff, true); err != nil {
		return nil, err
	}
	return &diff, nil
}

// do выполняет JSON-запрос и декодирует ответ в out, если он задан.
func (c *httpClient) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
	expected int,
	out any,
	auth bool,
) error {
	resp, err := c.send(ctx, method, path, query, body, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ошибка декодирования ответа %s %s: %w", method, path, err)
	}
	return nil
}

// send собирает и выполняет запрос. Тело ответа закрывает вызывающая сторона.
func (c *httpClient) send(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
	auth bool,
) (*http.Response, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("ошибка формирования URL: %w", err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, fmt.Errorf("ошибка кодирования запроса: %w", marshalErr)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if c.authToken == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса %s %s: %w", method, path, err)
	}
	return resp, nil
}

// responseError читает тело ответа с ошибкой и сопоставляет статус с ошибкой клиента.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(raw))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthorization
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: message}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Error   string         `json:"error"`
			Details map[string]any `json:"details"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Details = body.Details
		}
	}
	return apiErr
}

func dataSourcePath(id int64, suffix string) string {
	path := "/api/datasources/" + strconv.FormatInt(id, 10) + "/"
	return path + suffix
}
