package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/andyleap/fprint/internal/models"
)

type memoryKey struct {
	username string
	device   models.DeviceKey
}

// MemoryStorage keeps prints in process memory. Prints are copied on
// the way in and out.
type MemoryStorage struct {
	prints map[memoryKey]map[models.Finger]*models.Print
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		prints: make(map[memoryKey]map[models.Finger]*models.Print),
	}
}

func clonePrint(p *models.Print) *models.Print {
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	return &c
}

func (m *MemoryStorage) SavePrint(ctx context.Context, print *models.Print) error {
	if err := validatePrint(print); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{print.Username, print.Device}
	if m.prints[key] == nil {
		m.prints[key] = make(map[models.Finger]*models.Print)
	}
	m.prints[key][print.Finger] = clonePrint(print)
	return nil
}

func (m *MemoryStorage) LoadPrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	print, ok := m.prints[memoryKey{username, device}][finger]
	if !ok {
		return nil, ErrPrintNotFound
	}
	return clonePrint(print), nil
}

func (m *MemoryStorage) ListPrints(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error) {
	if err := validateKey(username, device); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	fingers := []models.Finger{}
	for finger := range m.prints[memoryKey{username, device}] {
		fingers = append(fingers, finger)
	}
	sort.Slice(fingers, func(i, j int) bool { return fingers[i] < fingers[j] })
	return fingers, nil
}

func (m *MemoryStorage) DeletePrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{username, device}
	if _, ok := m.prints[key][finger]; !ok {
		return ErrPrintNotFound
	}
	delete(m.prints[key], finger)
	if len(m.prints[key]) == 0 {
		delete(m.prints, key)
	}
	return nil
}

func (m *MemoryStorage) DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error {
	if err := validateKey(username, device); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.prints, memoryKey{username, device})
	return nil
}

func (m *MemoryStorage) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for key := range m.prints {
		if !seen[key.username] {
			seen[key.username] = true
			users = append(users, key.username)
		}
	}
	sort.Strings(users)
	return users, nil
}
