package messaging

// Subjects follow {domain}.{resource}.{action}.
const (
	// Turn lifecycle, published by the worker once the ledger reaches a terminal status.
	SubjectBotTurnCompleted = "bot.turn.completed"
	SubjectBotTurnFailed    = "bot.turn.failed"

	// Outbox lifecycle, published by the dispatcher.
	SubjectBotOutboxSent      = "bot.outbox.sent"
	SubjectBotOutboxExhausted = "bot.outbox.exhausted"

	// SubjectBotOutboxDLQ is the JetStream dead-letter prefix for outbox entries
	// that hit their attempt cap. The reason is appended as the last token.
	SubjectBotOutboxDLQ = "bot.outbox.dlq"

	// SubjectBotAll matches every bot subject.
	SubjectBotAll = "bot.>"
)

// OutboxDLQSubject returns the dead-letter subject for reason.
// Example: bot.outbox.dlq.max_attempts
func OutboxDLQSubject(reason string) string {
	return SubjectBotOutboxDLQ + "." + reason
}
