package domain

// Role defines the sender of a working-log message.
type Role string

const (
	// RoleSystem carries the environment instructions. Always first in the log.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool result.
	RoleTool Role = "tool"
)

// Content part types.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
)

// Transcript part kinds.
const (
	PartKindText = "text"
	PartKindCode = "code"
)
