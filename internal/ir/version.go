package ir

// Version constants for the persisted schema and the runtime.
const (
	// SchemaVersion is the persisted record layout version.
	SchemaVersion = "1"

	// RuntimeVersion is the connentity runtime version.
	RuntimeVersion = "0.1.0"
)
