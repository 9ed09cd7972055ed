// Package vault derives and guards the root cryptographic key that
// protects a validator's backed-up state.
//
// A RootKey is a 16-byte secret held only in memory. Every other key
// the supervisor needs (the backup archive encryption key, the RPC
// auth keys) is derived from it deterministically via a keyed,
// personalized BLAKE2b hash. A KeyDescriptor is the public commitment
// to a RootKey: it lets the daemon verify a password or a cached key
// file without ever persisting the key itself.
package vault

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// RootKeySize is the size in bytes of a RootKey.
const RootKeySize = 16

// ChecksumSize is the size in bytes of a KeyDescriptor's checksum.
const ChecksumSize = blake2b.Size

// SaltSize is the size in bytes of a KeyDescriptor's PKDF salt.
const SaltSize = 16

// Algo selects the password-based key derivation function used to
// recover a RootKey from a password.
type Algo string

const (
	// AlgoStrong is Argon2id tuned for production use.
	AlgoStrong Algo = "strong"
	// AlgoWeak is scrypt with minimal cost, reserved for tests.
	AlgoWeak Algo = "weak"
)

var (
	keyDerivationPerson = []byte("VALIDATOR SUPERVISOR KEY DERIVATION")
	keyChecksumPerson   = []byte("VALIDATOR SUPERVISOR KEY CHECKSUM")

	backupKeyTag = []byte("BACKUP KEY")
)

// keyedPersonalizedHash computes a BLAKE2b hash of msg, keyed by key
// and domain-separated by person. The upstream blake2b package has no
// exported personalization parameter (unlike libsodium's
// crypto_generichash), so the personalization is folded into the key
// itself: the effective MAC key is BLAKE2b-512(person || key), which
// gives every (person, key) pair an independent keyspace.
func keyedPersonalizedHash(key, person, msg []byte, size int) []byte {
	effectiveKey := blake2b.Sum512(append(append([]byte{}, person...), key...))
	h, err := blake2b.New(size, effectiveKey[:])
	if err != nil {
		panic(fmt.Sprintf("vault: keyed hash size %d: %v", size, err))
	}
	h.Write(msg)
	return h.Sum(nil)
}

// RootKey is a cryptographically secure root key from which other
// keys are derived. It must never leave the host except as a 0600
// hex-encoded cache file, and never be logged except on explicit
// caller request (see Hex).
type RootKey struct {
	data [RootKeySize]byte
}

// NewRootKey wraps raw key bytes. data must be exactly RootKeySize bytes.
func NewRootKey(data []byte) (RootKey, error) {
	var rk RootKey
	if len(data) != RootKeySize {
		return rk, fmt.Errorf("vault: root key must be %d bytes", RootKeySize)
	}
	copy(rk.data[:], data)
	return rk, nil
}

// Derive returns a deterministic subkey of the given size for the
// given purpose tag, keyed and personalized by the root key.
func (k RootKey) Derive(tag []byte, size int) []byte {
	return keyedPersonalizedHash(k.data[:], keyDerivationPerson, tag, size)
}

// DeriveBackupKey derives the symmetric key used to seal backup
// archives (see the archive package).
func (k RootKey) DeriveBackupKey() [secretbox.KeySize]byte {
	var key [secretbox.KeySize]byte
	copy(key[:], k.Derive(backupKeyTag, secretbox.KeySize))
	return key
}

// Hex returns a hex encoding of the key, for writing to the cached
// key file or for explicit operator inspection. Never call this for
// logging.
func (k RootKey) Hex() string {
	return fmt.Sprintf("%x", k.data[:])
}

// Zero overwrites the key material in place.
func (k *RootKey) Zero() {
	for i := range k.data {
		k.data[i] = 0
	}
}

// KeyDescriptor is the public commitment to a RootKey: the PKDF
// parameters, salt, and a keyed checksum of the empty string under
// the key. descriptor.Check(key) holds iff key is the one committed
// to.
type KeyDescriptor struct {
	Algo     Algo
	Salt     []byte
	Checksum []byte
}

// Generate creates a new, randomized RootKey and its KeyDescriptor
// from a password.
func Generate(password string, algo Algo, randSalt func(int) ([]byte, error)) (KeyDescriptor, RootKey, error) {
	salt, err := randSalt(SaltSize)
	if err != nil {
		return KeyDescriptor{}, RootKey{}, fmt.Errorf("vault: generating salt: %w", err)
	}

	data, err := deriveFromPassword(algo, password, salt)
	if err != nil {
		return KeyDescriptor{}, RootKey{}, err
	}

	desc := KeyDescriptor{
		Algo:     algo,
		Salt:     salt,
		Checksum: checksum(data),
	}
	rk, err := NewRootKey(data)
	return desc, rk, err
}

// Open derives the RootKey matching the password, or returns
// ErrIncorrectPassword if the password does not match the commitment.
func (d KeyDescriptor) Open(password string) (RootKey, error) {
	if len(d.Salt) != SaltSize {
		return RootKey{}, fmt.Errorf("vault: %w: salt is incorrect length", ErrInvalidDescriptor)
	}
	if len(d.Checksum) != ChecksumSize {
		return RootKey{}, fmt.Errorf("vault: %w: checksum is incorrect length", ErrInvalidDescriptor)
	}

	data, err := deriveFromPassword(d.Algo, password, d.Salt)
	if err != nil {
		return RootKey{}, err
	}

	rk, ok := d.Check(data)
	if !ok {
		return RootKey{}, ErrIncorrectPassword
	}
	return rk, nil
}

// Check verifies raw key bytes against the commitment in constant
// time, returning the RootKey if they match.
func (d KeyDescriptor) Check(keyData []byte) (RootKey, bool) {
	if subtle.ConstantTimeCompare(d.Checksum, checksum(keyData)) != 1 {
		return RootKey{}, false
	}
	rk, err := NewRootKey(keyData)
	if err != nil {
		return RootKey{}, false
	}
	return rk, true
}

func checksum(keyData []byte) []byte {
	return keyedPersonalizedHash(keyData, keyChecksumPerson, nil, ChecksumSize)
}

func deriveFromPassword(algo Algo, password string, salt []byte) ([]byte, error) {
	switch algo {
	case AlgoStrong:
		return argon2.IDKey([]byte(password), salt, 4, 1<<20, 4, RootKeySize), nil
	case AlgoWeak:
		data, err := scrypt.Key([]byte(password), salt, 1<<4, 1, 1, RootKeySize)
		if err != nil {
			return nil, fmt.Errorf("vault: scrypt: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("vault: %w: algo must be one of {strong, weak}", ErrInvalidDescriptor)
	}
}
