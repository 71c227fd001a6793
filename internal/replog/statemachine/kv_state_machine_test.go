package statemachine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"replog/internal/replog"
)

func command(index replog.LogIndex, cmd string) replog.LogEntry {
	return replog.LogEntry{Index: index, Term: 1, Payload: []byte(cmd)}
}

func TestKVStateMachine_Apply(t *testing.T) {
	sm := NewKVStateMachine("n1", nil)

	t.Run("applies SET commands", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(1, "SET key1=value1"), command(2, "SET key2=value2")})

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)

		value, ok = sm.Get("key2")
		assert.True(t, ok)
		assert.Equal(t, "value2", value)
	})

	t.Run("overwrites existing key", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(3, "SET key1=new_value")})

		value, _ := sm.Get("key1")
		assert.Equal(t, "new_value", value)
	})

	t.Run("keeps everything after the first equals sign", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(4, "SET url=a=b")})

		value, _ := sm.Get("url")
		assert.Equal(t, "a=b", value)
	})

	t.Run("applies DEL commands", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(5, "DEL key2")})

		_, ok := sm.Get("key2")
		assert.False(t, ok)
	})

	t.Run("commands are case insensitive", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(6, "set lower=1"), command(7, "SeT mixed=2"), command(8, "del lower")})

		_, ok := sm.Get("lower")
		assert.False(t, ok)
		value, _ := sm.Get("mixed")
		assert.Equal(t, "2", value)
	})
}

func TestKVStateMachine_IgnoresInvalidEntries(t *testing.T) {
	sm := NewKVStateMachine("n1", nil)

	sm.Apply([]replog.LogEntry{
		{Index: 1, Term: 1},
		command(2, ""),
		command(3, "SET"),
		command(4, "SET novalue"),
		command(5, "INCR counter"),
		command(6, "SET key=value"),
	})

	assert.Equal(t, map[string]string{"key": "value"}, sm.GetAll())
}

func TestKVStateMachine_GetAll(t *testing.T) {
	sm := NewKVStateMachine("n1", nil)

	t.Run("empty state machine", func(t *testing.T) {
		all := sm.GetAll()
		assert.NotNil(t, all)
		assert.Len(t, all, 0)
	})

	t.Run("returns a copy", func(t *testing.T) {
		sm.Apply([]replog.LogEntry{command(1, "SET key1=value1")})

		all := sm.GetAll()
		all["key1"] = "modified"

		value, _ := sm.Get("key1")
		assert.Equal(t, "value1", value)
	})
}

func TestKVStateMachine_Concurrency(t *testing.T) {
	sm := NewKVStateMachine("n1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sm.Apply([]replog.LogEntry{command(replog.LogIndex(i+1), fmt.Sprintf("SET key%d=value", i))})
		}(i)
		go func() {
			defer wg.Done()
			sm.GetAll()
		}()
	}
	wg.Wait()

	assert.Len(t, sm.GetAll(), 50)
}
