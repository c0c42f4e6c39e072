// Package vault is the encrypted-field accessor shared by the reveal gate,
// capability links and the rotation scheduler.
package vault

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the document or field does not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrCorrupt is returned when a sealed value fails authentication.
	ErrCorrupt = errors.New("vault: sealed value is corrupt")
)

// Accessor reads and writes secret fields of host documents. Implementations
// serialise a write and a concurrent read of the same field.
type Accessor interface {
	GetField(ctx context.Context, doctype, docname, field string) (string, error)
	SetFieldEncrypted(ctx context.Context, doctype, docname, field, value string) error
	ListDocuments(ctx context.Context, doctype string, filter map[string]string) ([]string, error)
}

// AAD binds a sealed value to its document coordinates so ciphertexts cannot
// be swapped between fields.
func AAD(doctype, docname, field string) []byte {
	return []byte(doctype + "\x00" + docname + "\x00" + field)
}
