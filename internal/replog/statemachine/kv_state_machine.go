package statemachine

import (
	"strings"
	"sync"

	"replog/internal/replog"
)

// KVStateMachine is a key-value store driven by text commands: "SET key=value" and "DEL key". Commands are case
// insensitive. Empty payloads, such as the entry a leader appends to establish its term, are skipped.
type KVStateMachine struct {
	mu     sync.RWMutex
	store  map[string]string
	id     replog.ParticipantID
	logger replog.Logger
}

func NewKVStateMachine(id replog.ParticipantID, logger replog.Logger) *KVStateMachine {
	if logger == nil {
		logger = replog.NopLogger{}
	}
	return &KVStateMachine{
		store:  make(map[string]string),
		id:     id,
		logger: logger,
	}
}

func (kv *KVStateMachine) Apply(entries []replog.LogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, entry := range entries {
		if len(entry.Payload) == 0 {
			continue
		}

		command := string(entry.Payload)
		parts := strings.Fields(command)
		if len(parts) < 2 {
			kv.logger.Warnf("Replica %s: malformed command %q at index %d", kv.id, command, entry.Index)
			continue
		}

		switch strings.ToUpper(parts[0]) {
		case "SET":
			key, value, ok := strings.Cut(parts[1], "=")
			if !ok {
				kv.logger.Warnf("Replica %s: malformed SET %q at index %d", kv.id, command, entry.Index)
				continue
			}
			kv.store[key] = value
			kv.logger.Debugf("Replica %s: SET %s=%s (index=%d)", kv.id, key, value, entry.Index)
		case "DEL":
			delete(kv.store, parts[1])
			kv.logger.Debugf("Replica %s: DEL %s (index=%d)", kv.id, parts[1], entry.Index)
		default:
			kv.logger.Warnf("Replica %s: unknown command %q at index %d", kv.id, command, entry.Index)
		}
	}
}

// Get returns the value of key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of all key-value pairs
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	result := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		result[k] = v
	}
	return result
}
