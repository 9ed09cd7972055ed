package rpc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ChallengeSize is the size in bytes of a session's auth challenge.
const ChallengeSize = 16

var authPerson = blake2b.Sum512([]byte("VALIDATOR SUPERVISOR RPC AUTH"))

// GenerateUserKey returns a fresh hex-encoded per-user RPC auth key,
// suitable for config's rpc_users map.
func GenerateUserKey() (string, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("rpc: generating user key: %w", err)
	}
	return hex.EncodeToString(key[:]), nil
}

// generateChallenge returns a fresh hex-encoded auth challenge.
func generateChallenge() (string, error) {
	var challenge [ChallengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return "", fmt.Errorf("rpc: generating auth challenge: %w", err)
	}
	return hex.EncodeToString(challenge[:]), nil
}

// authResponse computes the keyed, personalized MAC a client sends
// back in response to a server's challenge, proving knowledge of the
// hex-encoded key without sending it.
func authResponse(hexKey, challenge string) (string, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("rpc: user key is not valid hex: %w", err)
	}

	// The personalization is folded into the MAC key itself (see
	// vault.keyedPersonalizedHash): the effective key is
	// BLAKE2b-512(person || key), giving this protocol use of
	// blake2b an independent keyspace from every other use.
	effectiveKey := blake2b.Sum512(append(append([]byte{}, authPerson[:]...), key...))
	mac, err := blake2b.New(ChallengeSize, effectiveKey[:])
	if err != nil {
		return "", fmt.Errorf("rpc: building auth MAC: %w", err)
	}
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// checkAuthResponse verifies response against the expected MAC for
// (hexKey, challenge) in constant time.
func checkAuthResponse(hexKey, challenge, response string) bool {
	expected, err := authResponse(hexKey, challenge)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}
