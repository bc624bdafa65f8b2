package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// envelopePrefix marks an encrypted field value.
const envelopePrefix = "enc:v1:"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// NewEncryptionMiddleware creates a middleware that encrypts user-authored
// content (the operation's command, each item's drafts) with AES-GCM before
// it reaches the store. Lifecycle fields stay plaintext so conditional
// writes and filters keep working.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.Store) ports.Store {
		return &encryptedStore{next: next, config: config}
	}
}

type encryptedStore struct {
	next   ports.Store
	config EncryptionConfig
}

func (s *encryptedStore) Operations() ports.OperationStore {
	return &encryptedOperations{next: s.next.Operations(), config: s.config}
}

func (s *encryptedStore) Items() ports.ItemStore {
	return &encryptedItems{next: s.next.Items(), config: s.config}
}

// Schedules carry no user content and pass through untouched.
func (s *encryptedStore) Schedules() ports.ScheduleStore { return s.next.Schedules() }

type encryptedOperations struct {
	next   ports.OperationStore
	config EncryptionConfig
}

func (s *encryptedOperations) Insert(ctx context.Context, op *domain.Operation) error {
	sealed, err := sealOperation(op, s.config)
	if err != nil {
		return err
	}
	return s.next.Insert(ctx, sealed)
}

func (s *encryptedOperations) Update(ctx context.Context, op *domain.Operation) error {
	sealed, err := sealOperation(op, s.config)
	if err != nil {
		return err
	}
	return s.next.Update(ctx, sealed)
}

func (s *encryptedOperations) Get(ctx context.Context, id string) (*domain.Operation, error) {
	op, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return op, openOperation(op, s.config)
}

func (s *encryptedOperations) ActiveBySession(ctx context.Context, sessionID string) (*domain.Operation, error) {
	op, err := s.next.ActiveBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return op, openOperation(op, s.config)
}

type encryptedItems struct {
	next   ports.ItemStore
	config EncryptionConfig
}

func (s *encryptedItems) InsertMany(ctx context.Context, items []*domain.Item) error {
	sealed := make([]*domain.Item, len(items))
	for i, item := range items {
		si, err := sealItem(item, s.config)
		if err != nil {
			return err
		}
		sealed[i] = si
	}
	return s.next.InsertMany(ctx, sealed)
}

func (s *encryptedItems) Update(ctx context.Context, item *domain.Item) error {
	sealed, err := sealItem(item, s.config)
	if err != nil {
		return err
	}
	return s.next.Update(ctx, sealed)
}

func (s *encryptedItems) Get(ctx context.Context, id string) (*domain.Item, error) {
	item, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return item, openItem(item, s.config)
}

func (s *encryptedItems) List(ctx context.Context, filter ports.ItemFilter) ([]*domain.Item, error) {
	items, err := s.next.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := openItem(item, s.config); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// UpdateIf decrypts before the caller's mutation and re-encrypts after, so
// the callback always operates on plaintext while the guard still runs
// against the stored document.
func (s *encryptedItems) UpdateIf(ctx context.Context, id string, expect domain.Status, apply func(*domain.Item) error) (bool, error) {
	return s.next.UpdateIf(ctx, id, expect, func(item *domain.Item) error {
		if err := openItem(item, s.config); err != nil {
			return err
		}
		if err := apply(item); err != nil {
			return err
		}
		sealed, err := sealItem(item, s.config)
		if err != nil {
			return err
		}
		*item = *sealed
		return nil
	})
}

// Sealing helpers

func sealOperation(op *domain.Operation, config EncryptionConfig) (*domain.Operation, error) {
	sealed := op.Clone()
	var err error
	if sealed.Input.Command, err = sealField(op.Input.Command, config); err != nil {
		return nil, err
	}
	return sealed, nil
}

func openOperation(op *domain.Operation, config EncryptionConfig) error {
	var err error
	op.Input.Command, err = openField(op.Input.Command, config)
	return err
}

func sealItem(item *domain.Item, config EncryptionConfig) (*domain.Item, error) {
	sealed := item.Clone()
	var err error
	if sealed.Content.Raw, err = sealField(item.Content.Raw, config); err != nil {
		return nil, err
	}
	if sealed.Content.Formatted, err = sealField(item.Content.Formatted, config); err != nil {
		return nil, err
	}
	return sealed, nil
}

func openItem(item *domain.Item, config EncryptionConfig) error {
	var err error
	if item.Content.Raw, err = openField(item.Content.Raw, config); err != nil {
		return err
	}
	item.Content.Formatted, err = openField(item.Content.Formatted, config)
	return err
}

func sealField(plaintext string, config EncryptionConfig) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := encrypt([]byte(plaintext), config.ActiveKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt field: %w", err)
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func openField(value string, config EncryptionConfig) (string, error) {
	if value == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(value, envelopePrefix)
	if !ok {
		// Fail secure: configured encryption expects encrypted data.
		return "", errors.New("field is missing encryption envelope")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plain, err := decryptWithRotation(ciphertext, config.ActiveKey, config.FallbackKeys)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	// Try active key first
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	// Try fallbacks in order
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}
