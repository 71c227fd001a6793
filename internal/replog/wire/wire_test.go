package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"replog/internal/replog"
)

func TestEntry(t *testing.T) {
	t.Run("decodes what it encodes", func(t *testing.T) {
		entry := replog.LogEntry{Index: 42, Term: 7, Payload: []byte("payload")}

		decoded, err := UnmarshalEntry(MarshalEntry(entry))
		require.NoError(t, err)
		assert.Equal(t, entry, decoded)
	})

	t.Run("decoded payload does not alias the input buffer", func(t *testing.T) {
		buf := MarshalEntry(replog.LogEntry{Index: 1, Term: 1, Payload: []byte("abc")})

		decoded, err := UnmarshalEntry(buf)
		require.NoError(t, err)

		for i := range buf {
			buf[i] = 0
		}
		assert.Equal(t, []byte("abc"), decoded.Payload)
	})

	t.Run("detects a corrupted payload", func(t *testing.T) {
		buf := MarshalEntry(replog.LogEntry{Index: 3, Term: 1, Payload: []byte("hello")})

		// Flip a byte of the payload; the tag/length prefix stays intact
		idx := len(buf) - 9 - 1
		buf[idx] ^= 0xff

		_, err := UnmarshalEntry(buf)
		assert.ErrorIs(t, err, replog.ErrChecksumMismatch)
	})

	t.Run("rejects truncated input", func(t *testing.T) {
		buf := MarshalEntry(replog.LogEntry{Index: 3, Term: 1, Payload: []byte("hello")})

		_, err := UnmarshalEntry(buf[:len(buf)-3])
		assert.Error(t, err)
	})

	t.Run("skips unknown fields", func(t *testing.T) {
		buf := MarshalEntry(replog.LogEntry{Index: 9, Term: 2, Payload: []byte("x")})
		buf = protowire.AppendTag(buf, 99, protowire.BytesType)
		buf = protowire.AppendString(buf, "future field")

		decoded, err := UnmarshalEntry(buf)
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(9), decoded.Index)
	})
}

func TestRequest(t *testing.T) {
	req := &replog.AppendEntriesRequest{
		LeaderTerm:   3,
		LeaderID:     "leader-1",
		PrevLogIndex: 10,
		PrevLogTerm:  2,
		Entries: []replog.LogEntry{
			{Index: 11, Term: 3, Payload: []byte("a")},
			{Index: 12, Term: 3, Payload: []byte("bb")},
		},
		LeaderCommit: 9,
		MessageID:    77,
	}

	var decoded replog.AppendEntriesRequest
	require.NoError(t, UnmarshalRequest(MarshalRequest(req), &decoded))
	assert.Equal(t, *req, decoded)

	t.Run("heartbeat has no entries", func(t *testing.T) {
		hb := &replog.AppendEntriesRequest{LeaderTerm: 3, LeaderID: "l", PrevLogIndex: 12, PrevLogTerm: 3, MessageID: 78}

		var decoded replog.AppendEntriesRequest
		require.NoError(t, UnmarshalRequest(MarshalRequest(hb), &decoded))
		assert.Empty(t, decoded.Entries)
		assert.Equal(t, replog.MessageID(78), decoded.MessageID)
	})
}

func TestResult(t *testing.T) {
	tests := []struct {
		name    string
		outcome replog.Outcome
	}{
		{"ok", replog.OutcomeOk{}},
		{"stale term", replog.OutcomeStaleTerm{}},
		{"log mismatch", replog.OutcomeLogMismatch{Conflict: replog.Conflict{Index: 5, Term: 2}}},
		{"not recoverable", replog.OutcomeNotRecoverable{Reason: "disk on fire"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &replog.AppendEntriesResult{
				Term:              4,
				Outcome:           tt.outcome,
				MessageID:         12,
				SnapshotAvailable: true,
				SyncIndex:         33,
				Participant:       "f1",
			}

			var decoded replog.AppendEntriesResult
			require.NoError(t, UnmarshalResult(MarshalResult(res), &decoded))
			assert.Equal(t, *res, decoded)
		})
	}

	t.Run("unknown code is an error", func(t *testing.T) {
		buf := appendVarintField(nil, resCode, 200)

		var decoded replog.AppendEntriesResult
		assert.Error(t, UnmarshalResult(buf, &decoded))
	})
}
