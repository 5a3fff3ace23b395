package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Порт по умолчанию (непривилегированный).
	defaultServerPort = "8080"

	defaultMinioEndpoint    = "localhost:9000"
	defaultMinioUser        = "minioadmin"
	defaultMinioPassword    = "minioadmin"
	defaultMinioBucket      = "stash-snapshots"
	defaultQueueMaxAttempts = 3

	// Переменные окружения.
	envServerPort       = "SERVER_PORT"
	envDatabaseDSN      = "DATABASE_DSN"
	envTLSCertFile      = "TLS_CERT_FILE"
	envTLSKeyFile       = "TLS_KEY_FILE"
	envJWTSecret        = "JWT_SECRET" //nolint:gosec // Имя переменной окружения, а не секрет
	envMinioEndpoint    = "MINIO_ENDPOINT"
	envMinioUser        = "MINIO_USER"
	envMinioPassword    = "MINIO_PASSWORD" //nolint:gosec // Имя переменной окружения
	envMinioBucket      = "MINIO_BUCKET"
	envMinioUseSSL      = "MINIO_USE_SSL"
	envQueueMaxAttempts = "QUEUE_MAX_ATTEMPTS"
	envConfigFile       = "CONFIG_FILE"
)

// Имена флагов (они же ключи в файле конфигурации).
const (
	flagPort             = "port"
	flagDatabaseDSN      = "database-dsn"
	flagCertFile         = "cert-file"
	flagKeyFile          = "key-file"
	flagJWTSecret        = "jwt-secret"
	flagMinioEndpoint    = "minio-endpoint"
	flagMinioUser        = "minio-user"
	flagMinioPassword    = "minio-password"
	flagMinioBucket      = "minio-bucket"
	flagMinioUseSSL      = "minio-use-ssl"
	flagQueueMaxAttempts = "queue-max-attempts"
	flagConfigFile       = "config"
)

// config хранит конфигурацию сервера.
type config struct {
	Port             string
	DatabaseDSN      string
	CertFile         string
	KeyFile          string
	JWTSecret        string
	MinioEndpoint    string
	MinioUser        string
	MinioPassword    string
	MinioBucket      string
	MinioUseSSL      bool
	QueueMaxAttempts int
}

// TLSEnabled сообщает, заданы ли сертификат и ключ.
func (c *config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// parseFlags разбирает флаги, переменные окружения и файл конфигурации.
// Приоритет: флаг > переменная окружения > файл > значение по умолчанию.
func parseFlags(args []string) (*config, error) {
	fs := pflag.NewFlagSet("stash-server", pflag.ContinueOnError)
	fs.String(flagPort, defaultServerPort, fmt.Sprintf("Порт HTTP(S)-сервера (env: %s)", envServerPort))
	fs.String(flagDatabaseDSN, "", fmt.Sprintf("Строка подключения к PostgreSQL (env: %s)", envDatabaseDSN))
	fs.String(flagCertFile, "", fmt.Sprintf("Путь к файлу TLS-сертификата (env: %s)", envTLSCertFile))
	fs.String(flagKeyFile, "", fmt.Sprintf("Путь к файлу TLS-ключа (env: %s)", envTLSKeyFile))
	fs.String(flagJWTSecret, "", fmt.Sprintf("Секрет подписи JWT (env: %s)", envJWTSecret))
	fs.String(flagMinioEndpoint, defaultMinioEndpoint, fmt.Sprintf("Адрес MinIO (env: %s)", envMinioEndpoint))
	fs.String(flagMinioUser, defaultMinioUser, fmt.Sprintf("Логин MinIO (env: %s)", envMinioUser))
	fs.String(flagMinioPassword, defaultMinioPassword, fmt.Sprintf("Пароль MinIO (env: %s)", envMinioPassword))
	fs.String(flagMinioBucket, defaultMinioBucket, fmt.Sprintf("Бакет для снимков (env: %s)", envMinioBucket))
	fs.Bool(flagMinioUseSSL, false, fmt.Sprintf("Подключаться к MinIO по TLS (env: %s)", envMinioUseSSL))
	fs.Int(flagQueueMaxAttempts, defaultQueueMaxAttempts,
		fmt.Sprintf("Число попыток задачи в очереди (env: %s)", envQueueMaxAttempts))
	fs.StringP(flagConfigFile, "c", "", fmt.Sprintf("Путь к YAML-файлу конфигурации (env: %s)", envConfigFile))

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("ошибка разбора флагов: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("ошибка привязки флагов: %w", err)
	}
	envs := map[string]string{
		flagPort:             envServerPort,
		flagDatabaseDSN:      envDatabaseDSN,
		flagCertFile:         envTLSCertFile,
		flagKeyFile:          envTLSKeyFile,
		flagJWTSecret:        envJWTSecret,
		flagMinioEndpoint:    envMinioEndpoint,
		flagMinioUser:        envMinioUser,
		flagMinioPassword:    envMinioPassword,
		flagMinioBucket:      envMinioBucket,
		flagMinioUseSSL:      envMinioUseSSL,
		flagQueueMaxAttempts: envQueueMaxAttempts,
		flagConfigFile:       envConfigFile,
	}
	for key, env := range envs {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("ошибка привязки переменной %s: %w", env, err)
		}
	}

	if path := v.GetString(flagConfigFile); path != "" {
		v.SetConfigFile(path)
		if !strings.HasSuffix(path, ".json") && !strings.HasSuffix(path, ".toml") {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации '%s': %w", path, err)
		}
	}

	cfg := &config{
		Port:             v.GetString(flagPort),
		DatabaseDSN:      v.GetString(flagDatabaseDSN),
		CertFile:         v.GetString(flagCertFile),
		KeyFile:          v.GetString(flagKeyFile),
		JWTSecret:        v.GetString(flagJWTSecret),
		MinioEndpoint:    v.GetString(flagMinioEndpoint),
		MinioUser:        v.GetString(flagMinioUser),
		MinioPassword:    v.GetString(flagMinioPassword),
		MinioBucket:      v.GetString(flagMinioBucket),
		MinioUseSSL:      v.GetBool(flagMinioUseSSL),
		QueueMaxAttempts: v.GetInt(flagQueueMaxAttempts),
	}

	// Проверяем обязательные параметры
	if cfg.DatabaseDSN == "" {
		return nil, errors.New("не указана строка подключения к БД (--database-dsn или " + envDatabaseDSN + ")")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("не указан секрет JWT (--jwt-secret или " + envJWTSecret + ")")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("сертификат и ключ TLS задаются только вместе (" +
			envTLSCertFile + ", " + envTLSKeyFile + ")")
	}

	return cfg, nil
}
