package credential

import (
	"sync"

	"github.com/TheusHen/thp/thp/identity"
)

// MemoryStore keeps credentials for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[identity.DeviceID]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[identity.DeviceID]Credential)}
}

func (s *MemoryStore) Lookup(deviceKey []byte) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[identity.DeviceIDFromPublicKey(deviceKey)]
	if ok {
		c.Blob = append([]byte(nil), c.Blob...)
	}
	return c, ok, nil
}

func (s *MemoryStore) Save(c Credential) error {
	if len(c.Blob) == 0 {
		return ErrInvalidCredential
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Blob = append([]byte(nil), c.Blob...)
	s.creds[c.DeviceID()] = c
	return nil
}

// Forget removes the credential for a device.
func (s *MemoryStore) Forget(id identity.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
}

// Count returns the number of stored credentials.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
