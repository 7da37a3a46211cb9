package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNoKey is returned when a slot holds no key
var ErrNoKey = errors.New("no key stored")

// KeyBuffer holds the active API key and, after a rotation, the key it
// replaced. Both are kept encrypted at rest.
type KeyBuffer struct {
	mu       sync.RWMutex
	active   *memguard.Enclave
	previous *memguard.Enclave
}

// NewKeyBuffer seals key as the active key
func NewKeyBuffer(key string) *KeyBuffer {
	return &KeyBuffer{active: seal(key)}
}

// Active returns the key used to authenticate outbound calls
func (k *KeyBuffer) Active() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return open(k.active)
}

// Previous returns the key that was active before the last Promote
func (k *KeyBuffer) Previous() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return open(k.previous)
}

// Promote makes key the active key and retains the old active key as previous.
// Any earlier previous key is dropped.
func (k *KeyBuffer) Promote(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous = k.active
	k.active = seal(key)
}

// Destroy forgets both keys. Safe to call more than once.
func (k *KeyBuffer) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = nil
	k.previous = nil
}

func seal(key string) *memguard.Enclave {
	// NewEnclave wipes its input, so hand it a private copy.
	// An empty key yields a nil enclave.
	return memguard.NewEnclave([]byte(key))
}

func open(enclave *memguard.Enclave) (string, error) {
	if enclave == nil {
		return "", ErrNoKey
	}
	locked, err := enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()
	return string(locked.Bytes()), nil
}
