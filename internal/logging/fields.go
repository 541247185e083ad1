package logging

const (
	// FieldComponent names the subsystem that emitted a record.
	FieldComponent = "component"
	// FieldEventType is a stable machine-readable tag for the event.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags anomalies that should stand out.
	FieldAlert = "alert"

	FieldFrameID   = "frame_id"
	FieldFrameKind = "frame_kind"
	// FieldOwner is the shell pid a frame or session is bound to.
	FieldOwner  = "owner"
	FieldConnID = "conn_id"
	FieldSocket = "socket"
)
