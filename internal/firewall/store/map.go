// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"errors"
	"sync"

	"github.com/cilium/ebpf"
)

// RawMap is the minimal surface the firewall needs from a key/value map.
// Keys and values are fixed-size byte strings; the kernel-backed and the
// in-memory implementations share it so the whole userspace core runs
// unchanged in simulation mode and in tests.
type RawMap interface {
	// Lookup returns the value for key, or found=false if absent.
	Lookup(key []byte) (value []byte, found bool, err error)
	// Update inserts or replaces the value for key.
	Update(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
}

// KernelMap adapts a loaded eBPF map to RawMap. Individual operations are
// atomic per key in the kernel; no extra locking is needed at this level.
type KernelMap struct {
	m *ebpf.Map
}

// NewKernelMap wraps an eBPF map.
func NewKernelMap(m *ebpf.Map) *KernelMap {
	return &KernelMap{m: m}
}

func (k *KernelMap) Lookup(key []byte) ([]byte, bool, error) {
	value, err := k.m.LookupBytes(key)
	if err != nil {
		if isKeyNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if value == nil {
		return nil, false, nil
	}
	return value, true, nil
}

func (k *KernelMap) Update(key, value []byte) error {
	return k.m.Update(key, value, ebpf.UpdateAny)
}

func (k *KernelMap) Delete(key []byte) error {
	if err := k.m.Delete(key); err != nil && !isKeyNotExist(err) {
		return err
	}
	return nil
}

func isKeyNotExist(err error) bool {
	return errors.Is(err, ebpf.ErrKeyNotExist)
}

// MemoryMap is the in-memory RawMap used by simulation mode and tests.
// It is internally synchronized because the simulated classifier touches it
// concurrently with the userspace tasks, mirroring how kernel maps behave.
type MemoryMap struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryMap creates an empty in-memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{entries: make(map[string][]byte)}
}

func (m *MemoryMap) Lookup(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.entries[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryMap) Update(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[string(key)] = v
	return nil
}

func (m *MemoryMap) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, string(key))
	return nil
}

// Len returns the number of entries. Test helper.
func (m *MemoryMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
