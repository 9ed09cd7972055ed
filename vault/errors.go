package vault

import "errors"

// ErrIncorrectPassword is returned when a password does not derive
// the key committed to by a KeyDescriptor.
var ErrIncorrectPassword = errors.New("vault: incorrect password")

// ErrInvalidDescriptor is returned when a KeyDescriptor is malformed
// (wrong salt/checksum length, unknown algo).
var ErrInvalidDescriptor = errors.New("vault: invalid key descriptor")
