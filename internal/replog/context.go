package replog

import (
	"context"
	"fmt"

	"replog/internal"
)

var (
	ctxParticipant = internal.NewKey[ParticipantID]("participant")
	ctxMessageID   = internal.NewKey[MessageID]("messageID")
	ctxTerm        = internal.NewKey[Term]("term")
)

// WithRequestInfo attaches the addressed participant, the message id and the leader term to ctx. The leader sets these
// on every AppendEntries call so that transports can log and wrap errors with them.
func WithRequestInfo(ctx context.Context, participant ParticipantID, id MessageID, term Term) context.Context {
	ctx = internal.WithValue(ctx, ctxParticipant, participant)
	ctx = internal.WithValue(ctx, ctxMessageID, id)
	return internal.WithValue(ctx, ctxTerm, term)
}

func ParticipantFromContext(ctx context.Context) (ParticipantID, bool) {
	return internal.Value(ctx, ctxParticipant)
}

// DescribeRequest renders the request info attached by WithRequestInfo, for log lines and error messages
func DescribeRequest(ctx context.Context) string {
	return fmt.Sprintf("participant=%s msg=%d term=%d",
		internal.ValueOr(ctx, ctxParticipant, "?"),
		internal.ValueOr(ctx, ctxMessageID, 0),
		internal.ValueOr(ctx, ctxTerm, 0))
}

func MessageIDFromContext(ctx context.Context) (MessageID, bool) {
	return internal.Value(ctx, ctxMessageID)
}

func TermFromContext(ctx context.Context) (Term, bool) {
	return internal.Value(ctx, ctxTerm)
}
