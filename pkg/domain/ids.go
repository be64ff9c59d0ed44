// Package domain holds the identifier and value types shared across services.
package domain

// UserID is the opaque, stable user identifier supplied by the identity
// provider. The quota subsystem never interprets its contents.
type UserID string

// IsEmpty reports whether the identifier is missing.
func (id UserID) IsEmpty() bool {
	return id == ""
}

// String returns the raw identifier.
func (id UserID) String() string {
	return string(id)
}
