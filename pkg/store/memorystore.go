// Package store keeps captured step logs and the index that resolves log
// references to their location.
package store

import (
	"errors"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

type Store interface {
	Set(key string, value string) error
	Get(key string) (string, error)
	Delete(key string) error
	Update(key string, newValue string) error
	Keys() []string
}

// MemStore is a mutex guarded map. Workers of different jobs write to the
// same store concurrently.
type MemStore struct {
	lock  sync.Mutex
	store map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		store: make(map[string]string),
	}
}

// Set is used to set a value to a key.
func (m *MemStore) Set(key string, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	return nil
}

// Get is used to get a value from a key.
func (m *MemStore) Get(key string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	v, ok := m.store[key]
	if !ok {
		return "", ErrKeyDoesntExist
	}
	return v, nil
}

// Delete removes the specified key and value.
func (m *MemStore) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(m.store, key)
	return nil
}

// Update can be used to change the value for a given key.
func (m *MemStore) Update(key string, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}

func (m *MemStore) Keys() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	keys := make([]string, 0, len(m.store))
	for k := range m.store {
		keys = append(keys, k)
	}
	return keys
}
