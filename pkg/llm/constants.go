package llm

// StopReason constants define normalized reasons for LLM generation termination.
// All providers must normalize their native stop reasons to these values.
const (
	StopReasonStop   = "stop"   // Normal completion
	StopReasonLength = "length" // Output truncated due to token limit
)

// ContentBlock Type constants define the supported content block formats
// used throughout the message pipeline.
const (
	BlockTypeText  = "text"  // Plain text content
	BlockTypeImage = "image" // Image reference, resolved to a data URL before sending
	BlockTypeFile  = "file"  // File reference with its converted text
)

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Placeholder markers substituted for attachments the upstream model cannot see.
const (
	ImagePlaceholder = "THE USER UPLOADED AN IMAGE"
	FilePlaceholder  = "THE USER UPLOADED A FILE"
)

type contextKey string

// DebugDirContextKey carries the per-request debug id used to group logs
// and raw chunk dumps.
const DebugDirContextKey contextKey = "llm_debug_dir"
