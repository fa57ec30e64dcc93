// Package domain contains entity without logic, just meta-data
package domain

// UserID is the platform-wide participant identifier. Call signaling
// never mints these; they arrive from the chat platform's auth layer.
type UserID string

// SystemActor attributes terminations that no participant asked for
// (expiry sweep, ring timeout).
const SystemActor UserID = "system"
