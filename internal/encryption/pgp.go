// Package encryption шифрует значения колонок публичным PGP ключом владельца источника.
package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/metrics"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

const (
	messageType = "PGP MESSAGE"
	// MessageHeader - первая строка armored PGP сообщения.
	MessageHeader = "-----BEGIN PGP MESSAGE-----"

	defaultKeyCacheSize = 128
)

// Provider шифрует значение публичным ключом получателя.
type Provider interface {
	Encrypt(ctx context.Context, plaintext, publicKey string) (string, error)
}

// PGP реализует Provider поверх OpenPGP. Разобранные ключи кэшируются.
type PGP struct {
	keys *lru.Cache[string, openpgp.EntityList]
}

var _ Provider = (*PGP)(nil)

// NewPGP создает провайдер с кэшем на cacheSize ключей.
func NewPGP(cacheSize int) (*PGP, error) {
	if cacheSize <= 0 {
		cacheSize = defaultKeyCacheSize
	}
	cache, err := lru.New[string, openpgp.EntityList](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания кэша ключей: %w", err)
	}
	return &PGP{keys: cache}, nil
}

// Encrypt возвращает armored PGP сообщение с plaintext.
func (p *PGP) Encrypt(ctx context.Context, plaintext, publicKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	recipients, err := p.recipients(publicKey)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", fmt.Errorf("ошибка инициализации armor: %w", err)
	}
	writer, err := openpgp.Encrypt(armored, recipients, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("ошибка шифрования: %w", err)
	}
	if _, err = writer.Write([]byte(plaintext)); err != nil {
		return "", fmt.Errorf("ошибка шифрования: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("ошибка завершения шифрования: %w", err)
	}
	if err = armored.Close(); err != nil {
		return "", fmt.Errorf("ошибка завершения armor: %w", err)
	}

	metrics.CounterEncryptedValues.Inc()
	return buf.String(), nil
}

func (p *PGP) recipients(publicKey string) (openpgp.EntityList, error) {
	if strings.TrimSpace(publicKey) == "" {
		return nil, ErrNoPublicKey
	}
	cacheKey := checksum.OfBytes([]byte(publicKey))
	if entities, ok := p.keys.Get(cacheKey); ok {
		return entities, nil
	}

	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if len(entities) == 0 {
		return nil, ErrInvalidPublicKey
	}
	p.keys.Add(cacheKey, entities)
	return entities, nil
}

// ValidatePublicKey проверяет, что строка содержит armored публичный ключ.
func ValidatePublicKey(publicKey string) error {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKey))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if len(entities) == 0 {
		return ErrInvalidPublicKey
	}
	return nil
}

// IsArmoredMessage сообщает, является ли значение уже зашифрованным PGP сообщением.
func IsArmoredMessage(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), MessageHeader)
}

// Кастомные ошибки шифрования.
var (
	ErrNoPublicKey      = errors.New("у владельца источника не задан публичный ключ")
	ErrInvalidPublicKey = errors.New("некорректный публичный PGP ключ")
)
