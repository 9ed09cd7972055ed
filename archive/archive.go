// Package archive implements the encrypted, timestamped backup
// archive format: an xz-compressed tar of a validator's on-disk
// state, sealed with an AEAD cipher.
//
// On-disk format:
//
//	byte 0..N_nonce-1   random nonce
//	byte N_nonce..end   AEAD ciphertext of:
//	    bytes 0..3      u32 little-endian timestamp (seconds since epoch)
//	    bytes 4..       xz-compressed tar of the validator data dir
package archive

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var randRead = rand.Read

// KeySize is the size in bytes of the archive encryption key.
const KeySize = secretbox.KeySize

// ErrCorruptArchive is returned when an archive fails to decrypt or
// parse. Per spec, a corrupt archive is treated as absent, not fatal.
var ErrCorruptArchive = errors.New("archive: corrupt or undecryptable")

// Archive is an in-memory handle to an unlocked (decrypted) backup:
// the xz-compressed tar payload plus its creation timestamp.
type Archive struct {
	Payload   []byte
	Timestamp uint32
}

// Lock encrypts the archive with key and writes nonce||ciphertext to
// dst, returning the number of bytes written. The timestamp is
// folded into the authenticated plaintext so it cannot be rolled
// forward without invalidating the MAC.
func Lock(key [KeySize]byte, a Archive, dst io.Writer) (int, error) {
	var nonce [24]byte
	if _, err := randRead(nonce[:]); err != nil {
		return 0, fmt.Errorf("archive: generating nonce: %w", err)
	}

	plaintext := make([]byte, 4+len(a.Payload))
	binary.LittleEndian.PutUint32(plaintext[:4], a.Timestamp)
	copy(plaintext[4:], a.Payload)

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	n, err := dst.Write(sealed)
	if err != nil {
		return n, fmt.Errorf("archive: writing locked archive: %w", err)
	}
	return n, nil
}

// Unlock decrypts and parses an archive previously written by Lock.
// Any decryption failure, truncation, or malformed header is reported
// as ErrCorruptArchive.
func Unlock(key [KeySize]byte, src io.Reader) (Archive, error) {
	raw, err := io.ReadAll(src)
	if err != nil {
		return Archive{}, fmt.Errorf("archive: reading locked archive: %w", err)
	}
	if len(raw) < 24 {
		return Archive{}, fmt.Errorf("%w: truncated input", ErrCorruptArchive)
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	ciphertext := raw[24:]

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return Archive{}, fmt.Errorf("%w: decryption failed", ErrCorruptArchive)
	}
	if len(plaintext) < 4 {
		return Archive{}, fmt.Errorf("%w: missing timestamp header", ErrCorruptArchive)
	}

	return Archive{
		Timestamp: binary.LittleEndian.Uint32(plaintext[:4]),
		Payload:   plaintext[4:],
	}, nil
}

// Pack walks dir to produce an Archive whose payload is an
// xz-compressed tar of its contents, stamped with the current time.
// Pack is layout-independent: it does not require dir to look like a
// validator data directory. Callers that need that shape guarantee
// (e.g. a validator backup) must call CheckValidatorDataDir
// themselves before packing.
func Pack(dir string, now func() uint32) (Archive, error) {
	var buf bytes.Buffer
	if err := packTar(dir, &buf); err != nil {
		return Archive{}, err
	}
	return Archive{Payload: buf.Bytes(), Timestamp: now()}, nil
}

// Unpack extracts an Archive's payload (an xz-compressed tar) into
// dir, which the caller guarantees is empty.
func Unpack(a Archive, dir string) error {
	return unpackTar(bytes.NewReader(a.Payload), dir)
}
