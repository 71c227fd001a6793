package mocks

import (
	"sync"

	"replog/internal/replog"
)

// MockLogStorage is an in-memory replog.LogStorage for testing. Errors can be injected per operation.
type MockLogStorage struct {
	mu      sync.RWMutex
	entries []replog.LogEntry // entries[i] has index i+1
	meta    replog.Metadata

	// Error injection for testing
	AppendError       error
	ReadRangeError    error
	ReadEntryAtError  error
	TruncateFromError error
	LastIndexError    error
	SaveMetadataError error
	LoadMetadataError error

	// AppendCalls counts successful Append calls
	AppendCalls int
}

var _ replog.LogStorage = (*MockLogStorage)(nil)

// NewMockLogStorage creates a new mock log storage holding the given entries
func NewMockLogStorage(entries ...replog.LogEntry) *MockLogStorage {
	m := &MockLogStorage{}
	for _, e := range entries {
		m.put(e)
	}
	return m
}

// NewMockLogStorageWithTerms creates a log whose entry i+1 carries terms[i]
func NewMockLogStorageWithTerms(terms ...replog.Term) *MockLogStorage {
	m := &MockLogStorage{}
	for i, term := range terms {
		m.put(replog.LogEntry{Index: replog.LogIndex(i + 1), Term: term, Payload: []byte{byte(i + 1)}})
	}
	return m
}

func (m *MockLogStorage) put(e replog.LogEntry) {
	pos := int(e.Index) - 1
	switch {
	case pos < len(m.entries):
		m.entries[pos] = e
	case pos == len(m.entries):
		m.entries = append(m.entries, e)
	default:
		panic("mock log storage does not support gaps")
	}
}

func (m *MockLogStorage) Append(entries ...replog.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendError != nil {
		return m.AppendError
	}
	for _, e := range entries {
		m.put(e)
	}
	m.AppendCalls++
	return nil
}

func (m *MockLogStorage) ReadRange(fromIndex, toIndex replog.LogIndex) ([]replog.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadRangeError != nil {
		return nil, m.ReadRangeError
	}
	if fromIndex == 0 {
		fromIndex = 1
	}
	if toIndex > replog.LogIndex(len(m.entries)) {
		toIndex = replog.LogIndex(len(m.entries))
	}
	if toIndex < fromIndex {
		return nil, nil
	}

	result := make([]replog.LogEntry, toIndex-fromIndex+1)
	copy(result, m.entries[fromIndex-1:toIndex])
	return result, nil
}

func (m *MockLogStorage) ReadEntryAt(index replog.LogIndex) (replog.LogEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadEntryAtError != nil {
		return replog.LogEntry{}, false, m.ReadEntryAtError
	}
	if index == 0 || int(index) > len(m.entries) {
		return replog.LogEntry{}, false, nil
	}
	return m.entries[index-1], true, nil
}

func (m *MockLogStorage) TruncateFrom(index replog.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TruncateFromError != nil {
		return m.TruncateFromError
	}
	if index == 0 {
		index = 1
	}
	if int(index) <= len(m.entries) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *MockLogStorage) LastIndex() (replog.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LastIndexError != nil {
		return 0, m.LastIndexError
	}
	return replog.LogIndex(len(m.entries)), nil
}

func (m *MockLogStorage) LoadMetadata() (replog.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadMetadataError != nil {
		return replog.Metadata{}, m.LoadMetadataError
	}
	return m.meta, nil
}

func (m *MockLogStorage) SaveMetadata(meta replog.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveMetadataError != nil {
		return m.SaveMetadataError
	}
	m.meta = meta
	return nil
}

func (m *MockLogStorage) Close() error {
	return nil
}

// Terms returns the term of every entry, in index order
func (m *MockLogStorage) Terms() []replog.Term {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := make([]replog.Term, len(m.entries))
	for i, e := range m.entries {
		terms[i] = e.Term
	}
	return terms
}

// Entries returns a copy of the log
func (m *MockLogStorage) Entries() []replog.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]replog.LogEntry, len(m.entries))
	copy(result, m.entries)
	return result
}

// Metadata returns the last saved metadata
func (m *MockLogStorage) Metadata() replog.Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

// SetError sets an injected error under the storage lock, for tests that flip errors while the storage is in use
func (m *MockLogStorage) SetError(set func(m *MockLogStorage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set(m)
}
