package server

import "context"

// Access is a session's permission level on its document.
type Access int

const (
	// AccessNone denies the session entirely.
	AccessNone Access = iota

	// AccessReader receives document state and awareness but may not
	// submit updates.
	AccessReader

	// AccessWriter may read and submit updates.
	AccessWriter

	// AccessAdmin is a writer with administrative intent; the sync
	// layer treats it as a writer.
	AccessAdmin
)

// String returns the storable name of the access level.
func (a Access) String() string {
	switch a {
	case AccessReader:
		return "reader"
	case AccessWriter:
		return "writer"
	case AccessAdmin:
		return "admin"
	}
	return "none"
}

// ParseAccess maps a stored access name back to its level. Unknown
// names parse to AccessNone.
func ParseAccess(s string) Access {
	switch s {
	case "reader":
		return AccessReader
	case "writer":
		return AccessWriter
	case "admin":
		return AccessAdmin
	}
	return AccessNone
}

// CanRead reports whether the level permits receiving document state.
func (a Access) CanRead() bool {
	return a >= AccessReader
}

// CanWrite reports whether the level permits submitting updates.
func (a Access) CanWrite() bool {
	return a >= AccessWriter
}

// Authorizer decides what access a user gets on a document. An empty
// userID denotes an anonymous session.
type Authorizer interface {
	Authorize(ctx context.Context, docName, userID string) (Access, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, docName, userID string) (Access, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, docName, userID string) (Access, error) {
	return f(ctx, docName, userID)
}

// AllowAll grants writer access to everyone, including anonymous
// sessions. It is the default when no authorizer is configured.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) (Access, error) {
		return AccessWriter, nil
	})
}
