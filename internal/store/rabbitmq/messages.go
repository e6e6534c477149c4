package rabbitmq

// Wire schema of the generation queues. Payloads are persistent JSON.

// GenerationRequest is produced by the API when a turn is accepted and
// consumed by the relay generator.
type GenerationRequest struct {
	CorrelationID string `json:"correlation_id"`
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Prompt        string `json:"prompt"`
}

// GenerationResponse is the success terminal event, consumed by the
// persister. Exactly one terminal event (response or error) is published
// per accepted request.
type GenerationResponse struct {
	CorrelationID string `json:"correlation_id"`
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	TimestampMS   int64  `json:"timestamp_ms"`
}

// GenerationError is the failure terminal event.
type GenerationError struct {
	CorrelationID string `json:"correlation_id"`
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Error         string `json:"error"`
}
