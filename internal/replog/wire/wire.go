// Package wire encodes log entries and AppendEntries messages in the protobuf wire format. The same entry encoding is
// used on the network and in the bbolt log, and every entry carries an xxhash checksum of its payload.
//
// The field numbers below are the schema; they must never be reused for a different meaning.
package wire

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"replog/internal/replog"
)

// LogEntry fields
const (
	entryIndex    protowire.Number = 1
	entryTerm     protowire.Number = 2
	entryPayload  protowire.Number = 3
	entryChecksum protowire.Number = 4
)

// AppendEntriesRequest fields
const (
	reqLeaderTerm   protowire.Number = 1
	reqLeaderID     protowire.Number = 2
	reqPrevLogIndex protowire.Number = 3
	reqPrevLogTerm  protowire.Number = 4
	reqEntries      protowire.Number = 5
	reqLeaderCommit protowire.Number = 6
	reqMessageID    protowire.Number = 7
)

// AppendEntriesResult fields
const (
	resTerm              protowire.Number = 1
	resCode              protowire.Number = 2
	resConflict          protowire.Number = 3
	resMessageID         protowire.Number = 4
	resSnapshotAvailable protowire.Number = 5
	resSyncIndex         protowire.Number = 6
	resReason            protowire.Number = 7
	resParticipant       protowire.Number = 8
)

// Conflict fields
const (
	conflictIndex protowire.Number = 1
	conflictTerm  protowire.Number = 2
)

// Checksum returns the checksum stored alongside a payload
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// AppendEntry appends the encoding of e to b
func AppendEntry(b []byte, e replog.LogEntry) []byte {
	b = protowire.AppendTag(b, entryIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Index))
	b = protowire.AppendTag(b, entryTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Term))
	b = protowire.AppendTag(b, entryPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, entryChecksum, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, Checksum(e.Payload))
	return b
}

// MarshalEntry encodes a single entry
func MarshalEntry(e replog.LogEntry) []byte {
	return AppendEntry(make([]byte, 0, len(e.Payload)+32), e)
}

// UnmarshalEntry decodes a single entry and verifies its checksum
func UnmarshalEntry(b []byte) (replog.LogEntry, error) {
	var (
		e           replog.LogEntry
		checksum    uint64
		hasChecksum bool
	)

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Index = replog.LogIndex(v)
			return n, nil
		case num == entryTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = replog.Term(v)
			return n, nil
		case num == entryPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				// The input buffer may be reused by the caller (bbolt pages, gRPC buffers), so copy
				e.Payload = append([]byte(nil), v...)
			}
			return n, nil
		case num == entryChecksum && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			checksum, hasChecksum = v, true
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return replog.LogEntry{}, fmt.Errorf("failed to decode log entry: %w", err)
	}

	if hasChecksum && checksum != Checksum(e.Payload) {
		return replog.LogEntry{}, fmt.Errorf("entry %d: %w", e.Index, replog.ErrChecksumMismatch)
	}
	return e, nil
}

// MarshalRequest encodes an AppendEntriesRequest
func MarshalRequest(req *replog.AppendEntriesRequest) []byte {
	b := make([]byte, 0, 64+req.PayloadBytes()+len(req.Entries)*32)
	b = appendVarintField(b, reqLeaderTerm, uint64(req.LeaderTerm))
	b = protowire.AppendTag(b, reqLeaderID, protowire.BytesType)
	b = protowire.AppendString(b, string(req.LeaderID))
	b = appendVarintField(b, reqPrevLogIndex, uint64(req.PrevLogIndex))
	b = appendVarintField(b, reqPrevLogTerm, uint64(req.PrevLogTerm))
	for _, e := range req.Entries {
		b = protowire.AppendTag(b, reqEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalEntry(e))
	}
	b = appendVarintField(b, reqLeaderCommit, uint64(req.LeaderCommit))
	b = appendVarintField(b, reqMessageID, uint64(req.MessageID))
	return b
}

// UnmarshalRequest decodes an AppendEntriesRequest into req
func UnmarshalRequest(b []byte, req *replog.AppendEntriesRequest) error {
	*req = replog.AppendEntriesRequest{}

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case reqLeaderTerm:
				req.LeaderTerm = replog.Term(v)
			case reqPrevLogIndex:
				req.PrevLogIndex = replog.LogIndex(v)
			case reqPrevLogTerm:
				req.PrevLogTerm = replog.Term(v)
			case reqLeaderCommit:
				req.LeaderCommit = replog.LogIndex(v)
			case reqMessageID:
				req.MessageID = replog.MessageID(v)
			}
			return n, nil
		}

		if typ == protowire.BytesType && (num == reqLeaderID || num == reqEntries) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if num == reqLeaderID {
				req.LeaderID = replog.ParticipantID(v)
				return n, nil
			}
			entry, err := UnmarshalEntry(v)
			if err != nil {
				return n, err
			}
			req.Entries = append(req.Entries, entry)
			return n, nil
		}

		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("failed to decode append entries request: %w", err)
	}
	return nil
}

// MarshalResult encodes an AppendEntriesResult
func MarshalResult(res *replog.AppendEntriesResult) []byte {
	b := make([]byte, 0, 64)
	b = appendVarintField(b, resTerm, uint64(res.Term))
	b = appendVarintField(b, resCode, uint64(res.Code()))

	switch o := res.Outcome.(type) {
	case replog.OutcomeLogMismatch:
		var c []byte
		c = appendVarintField(c, conflictIndex, uint64(o.Conflict.Index))
		c = appendVarintField(c, conflictTerm, uint64(o.Conflict.Term))
		b = protowire.AppendTag(b, resConflict, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	case replog.OutcomeNotRecoverable:
		b = protowire.AppendTag(b, resReason, protowire.BytesType)
		b = protowire.AppendString(b, o.Reason)
	}

	b = appendVarintField(b, resMessageID, uint64(res.MessageID))
	b = appendVarintField(b, resSnapshotAvailable, protowire.EncodeBool(res.SnapshotAvailable))
	b = appendVarintField(b, resSyncIndex, uint64(res.SyncIndex))
	b = protowire.AppendTag(b, resParticipant, protowire.BytesType)
	b = protowire.AppendString(b, string(res.Participant))
	return b
}

// UnmarshalResult decodes an AppendEntriesResult into res
func UnmarshalResult(b []byte, res *replog.AppendEntriesResult) error {
	*res = replog.AppendEntriesResult{}

	var (
		code     replog.ErrorCode
		conflict replog.Conflict
		reason   string
	)

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case resTerm:
				res.Term = replog.Term(v)
			case resCode:
				code = replog.ErrorCode(v)
			case resMessageID:
				res.MessageID = replog.MessageID(v)
			case resSnapshotAvailable:
				res.SnapshotAvailable = protowire.DecodeBool(v)
			case resSyncIndex:
				res.SyncIndex = replog.LogIndex(v)
			}
			return n, nil
		}

		if typ == protowire.BytesType {
			switch num {
			case resConflict:
				v, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n, nil
				}
				c, err := unmarshalConflict(v)
				conflict = c
				return n, err
			case resReason:
				v, n := protowire.ConsumeString(b)
				reason = v
				return n, nil
			case resParticipant:
				v, n := protowire.ConsumeString(b)
				res.Participant = replog.ParticipantID(v)
				return n, nil
			}
		}

		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return fmt.Errorf("failed to decode append entries result: %w", err)
	}

	switch code {
	case replog.CodeOk:
		res.Outcome = replog.OutcomeOk{}
	case replog.CodeStaleTerm:
		res.Outcome = replog.OutcomeStaleTerm{}
	case replog.CodeLogMismatch:
		res.Outcome = replog.OutcomeLogMismatch{Conflict: conflict}
	case replog.CodeNotRecoverable:
		res.Outcome = replog.OutcomeNotRecoverable{Reason: reason}
	default:
		return fmt.Errorf("failed to decode append entries result: unknown error code %d", code)
	}
	return nil
}

func unmarshalConflict(b []byte) (replog.Conflict, error) {
	var c replog.Conflict
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case conflictIndex:
			c.Index = replog.LogIndex(v)
		case conflictTerm:
			c.Term = replog.Term(v)
		}
		return n, nil
	})
	return c, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks all fields of a message. The callback consumes the value of one field and returns the number
// of bytes it used, or a negative protowire error code.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
