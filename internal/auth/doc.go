// Package auth issues and verifies the relay's credential tokens.
//
// Two kinds of HS256 JWT share one secret:
//   - device tokens, presented by a Mac client on the device socket; the
//     subject is the owning user and the did claim binds the token to one
//     device id
//   - listener tokens, presented by web clients on the listener socket and
//     as bearer tokens on the diagnostic API; the subject is the user
//
// Tokens are validated by signature and expiry only (no database hit). A
// token of one kind is never accepted where the other is expected.
package auth
