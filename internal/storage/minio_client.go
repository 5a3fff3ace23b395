package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const jsonContentType = "application/json"

// BlobStore определяет интерфейс хранилища неизменяемых блобов снимков.
// Каждая загрузка создает новый объект и возвращает его идентификатор.
type BlobStore interface {
	Upload(ctx context.Context, dataSourceID int64, data []byte, metadata map[string]string) (string, error)
	Download(ctx context.Context, objectKey string) ([]byte, error)
}

// MinioClient реализует BlobStore для MinIO.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

var _ BlobStore = (*MinioClient)(nil)

// MinioConfig содержит параметры для подключения к MinIO.
type MinioConfig struct {
	Endpoint        string // Адрес MinIO (например, "localhost:9000")
	AccessKeyID     string // Логин
	SecretAccessKey string // Пароль
	UseSSL          bool   // Использовать SSL (обычно false для локальной разработки)
	BucketName      string // Имя бакета для хранения снимков
	Region          string // Регион (не обязательно для MinIO)
}

// NewMinioClient создает новый клиент MinIO и при необходимости создает бакет.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*MinioClient, error) {
	slog.Info("[Minio] Инициализация клиента", "endpoint", cfg.Endpoint)

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", err)
	}

	exists, err := minioClient.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки существования бакета '%s': %w", cfg.BucketName, err)
	}
	if !exists {
		slog.Info("[Minio] Бакет не найден, создаем", "bucket", cfg.BucketName)
		err = minioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("ошибка создания бакета '%s': %w", cfg.BucketName, err)
		}
	}

	slog.Info("[Minio] Клиент инициализирован", "bucket", cfg.BucketName)
	return &MinioClient{
		client:     minioClient,
		bucketName: cfg.BucketName,
	}, nil
}

// ObjectPrefix возвращает префикс ключей объектов источника данных.
func ObjectPrefix(dataSourceID int64) string {
	return fmt.Sprintf("data_sources/%d/", dataSourceID)
}

// ObjectKey строит ключ нового объекта для источника данных.
func ObjectKey(dataSourceID int64) string {
	return ObjectPrefix(dataSourceID) + uuid.New().String() + ".json"
}

// Upload загружает блоб под новым ключом и возвращает ключ.
func (c *MinioClient) Upload(
	ctx context.Context,
	dataSourceID int64,
	data []byte,
	metadata map[string]string,
) (string, error) {
	objectKey := ObjectKey(dataSourceID)
	opts := minio.PutObjectOptions{
		ContentType:  jsonContentType,
		UserMetadata: metadata,
	}

	info, err := c.client.PutObject(ctx, c.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		slog.Error("[Minio] Ошибка загрузки объекта", "key", objectKey, "err", err)
		return "", fmt.Errorf("ошибка загрузки файла в MinIO: %w", err)
	}

	slog.Info("[Minio] Объект загружен", "key", objectKey, "size", info.Size, "etag", info.ETag)
	return objectKey, nil
}

// Download скачивает блоб целиком.
func (c *MinioClient) Download(ctx context.Context, objectKey string) ([]byte, error) {
	object, err := c.client.GetObject(ctx, c.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.translateError(objectKey, err)
	}
	defer object.Close()

	// GetObject ленивый: отсутствие объекта обнаруживается только при первом обращении.
	if _, err = object.Stat(); err != nil {
		return nil, c.translateError(objectKey, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, c.translateError(objectKey, err)
	}
	return data, nil
}

func (c *MinioClient) translateError(objectKey string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		slog.Warn("[Minio] Объект не найден", "key", objectKey, "bucket", c.bucketName)
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
	}
	slog.Error("[Minio] Ошибка получения объекта", "key", objectKey, "err", err)
	return fmt.Errorf("ошибка получения файла из MinIO: %w", err)
}

// Кастомная ошибка хранилища.
var (
	ErrObjectNotFound = errors.New("объект не найден в хранилище")
)
