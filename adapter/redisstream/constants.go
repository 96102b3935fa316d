package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw bytes
	fieldProducedAt = "producedAt" // unix ns
	fieldMetaPrefix = "meta:"

	// Extra fields on dead-letter entries.
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)
