// Package credentials stores engine passwords outside the state file.
package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName groups every dbhelm secret in the OS keychain.
const ServiceName = "dbhelm"

// ErrNotFound is returned when no secret exists for a reference.
var ErrNotFound = errors.New("credential not found")

// Store holds one secret per credential reference.
type Store interface {
	// Get returns ErrNotFound if the secret does not exist.
	Get(ref string) (string, error)
	Set(ref, secret string) error
	// Delete returns nil if the secret does not exist.
	Delete(ref string) error
}

// Options selects keyring backends. FileDir and Password configure the
// encrypted file backend used where no OS keychain is available.
type Options struct {
	Backends []keyring.BackendType
	FileDir  string
	Password string
}

// Keyring is a Store backed by the OS keychain.
type Keyring struct {
	ring keyring.Keyring
}

func OpenKeyring(opts Options) (*Keyring, error) {
	cfg := keyring.Config{
		ServiceName:                    ServiceName,
		AllowedBackends:                opts.Backends,
		KeychainTrustApplication:       true,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		FileDir:                        opts.FileDir,
		LibSecretCollectionName:        ServiceName,
		KWalletAppID:                   ServiceName,
		KWalletFolder:                  ServiceName,
	}
	if opts.FileDir != "" {
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(opts.Password)
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

func (k *Keyring) Get(ref string) (string, error) {
	item, err := k.ring.Get(ref)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (k *Keyring) Set(ref, secret string) error {
	return k.ring.Set(keyring.Item{
		Key:         ref,
		Data:        []byte(secret),
		Label:       ServiceName + " " + ref,
		Description: "database engine credential",
	})
}

func (k *Keyring) Delete(ref string) error {
	err := k.ring.Remove(ref)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	secrets map[string]string
}

func NewMemory() *Memory { return &Memory{secrets: map[string]string{}} }

func (m *Memory) Get(ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[ref]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (m *Memory) Set(ref, secret string) error {
	m.mu.Lock()
	m.secrets[ref] = secret
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ref string) error {
	m.mu.Lock()
	delete(m.secrets, ref)
	m.mu.Unlock()
	return nil
}

// Len reports how many secrets are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.secrets)
}
