package persistence

// Outcome is the structured result of a write operation. Expected business
// failures (constraint violations) always travel through an Outcome rather
// than a Go error, per the propagation policy: errors are reserved for
// programming defects and unrecoverable infrastructure conditions.
type Outcome struct {
	Succeeded bool   `json:"succeeded"`
	Code      Kind   `json:"code,omitempty"`
	Message   string `json:"message"`
	Payload   any    `json:"payload,omitempty"`
}

// Success builds a succeeded outcome carrying an optional payload.
func Success(payload any) Outcome {
	return Outcome{Succeeded: true, Message: "ok", Payload: payload}
}

// FromError classifies err and builds the matching failed outcome. The
// message is the stable user-facing text; raw detail stays in logs.
func FromError(err error) Outcome {
	ce := Classify(err)
	if ce == nil {
		return Success(nil)
	}
	return Outcome{
		Succeeded: false,
		Code:      ce.Kind,
		Message:   ce.UserMessage,
	}
}

// Retryable reports whether a caller may retry the failed operation, with
// backoff. PartialCommitFailure is deliberately excluded: one half of the
// work may already be durable.
func (o Outcome) Retryable() bool {
	return !o.Succeeded && retryableKinds[o.Code]
}
