// Package cryptoprim implements the key hierarchy and AEAD primitives of
// spec.md §4.A: password -> master key via a memory-hard KDF, per-user and
// per-board keys wrapped under it, and an AEAD whose associated data binds
// a message's UUID and creation time into its ciphertext.
//
// The AEAD construction follows github.com/ericlagergren/dr's djb.go
// (ChaCha20-Poly1305 with a 12-byte nonce, from golang.org/x/crypto); the KDF uses the same
// module's sibling package, golang.org/x/crypto/argon2.
package cryptoprim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/config"
)

const (
	// NonceSize is the AEAD nonce length (spec.md §4.A: 12-byte random nonces).
	NonceSize = chacha20poly1305.NonceSize
	// KeySize is the symmetric key length used throughout the key hierarchy.
	KeySize = chacha20poly1305.KeySize
)

// Params is an alias for config.KDFParams, the master-key KDF tuning that
// DeriveMasterKey consumes.
type Params = config.KDFParams

// DeriveMasterKey runs the memory-hard KDF over the operator passphrase and
// the immutable master-salt row, producing the in-memory-only master key.
func DeriveMasterKey(passphrase string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
}

// NewSalt generates a random salt of the requested length (used once, at
// first migration, for the master-key salt; password verifiers get their
// own salt from argon2id.CreateHash).
func NewSalt(n uint32) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cryptoprim: generate salt: %w", err)
	}
	return salt, nil
}

// NewKey generates a random symmetric key, used for fresh per-user and
// per-board encryption keys before they are wrapped.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptoprim: generate key: %w", err)
	}
	return key, nil
}

// aad builds the associated data binding a ciphertext to the row it
// belongs to: message_uuid || created_at_us, so swapping ciphertexts
// across rows fails authentication (spec.md §4.A).
func aad(uuid string, createdAtUs int64) []byte {
	buf := make([]byte, len(uuid)+8)
	copy(buf, uuid)
	binary.BigEndian.PutUint64(buf[len(uuid):], uint64(createdAtUs))
	return buf
}

// Encrypt seals plaintext under key, binding uuid and createdAtUs as
// associated data. The nonce is prepended to the returned ciphertext.
func Encrypt(key, plaintext []byte, uuid string, createdAtUs int64) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: new aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoprim: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, aad(uuid, createdAtUs))
	return out, nil
}

// Decrypt opens ciphertext (as produced by Encrypt) under key, verifying
// the (uuid, createdAtUs) associated data. Any mismatch — wrong key, wrong
// uuid, wrong timestamp, or tampered ciphertext — returns
// bbserr.ErrAuthTagInvalid.
func Decrypt(key, ciphertext []byte, uuid string, createdAtUs int64) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: new aead: %w", err)
	}
	if len(ciphertext) < NonceSize {
		return nil, bbserr.ErrAuthTagInvalid
	}
	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, aad(uuid, createdAtUs))
	if err != nil {
		return nil, bbserr.ErrAuthTagInvalid
	}
	return plaintext, nil
}

// WrapKey encrypts a raw key under a wrapping key (master key or user key).
// Wrapped keys use a fixed associated-data label rather than a row UUID,
// since the wrapping relationship itself (master->user, master->board,
// user->board) is the binding that matters.
func WrapKey(wrappingKey, raw []byte, label string) ([]byte, error) {
	return Encrypt(wrappingKey, raw, label, 0)
}

// UnwrapKey reverses WrapKey. Returns bbserr.ErrWrongPassphrase when the
// label doesn't match or the wrapping key is wrong — both manifest as an
// AEAD authentication failure, which at this call site always means "the
// wrapping key can't open this blob".
func UnwrapKey(wrappingKey, wrapped []byte, label string) ([]byte, error) {
	raw, err := Decrypt(wrappingKey, wrapped, label, 0)
	if err != nil {
		return nil, bbserr.ErrWrongPassphrase
	}
	return raw, nil
}

// passwordParams is the fixed argon2id tuning for the login-password
// verifier (spec.md §4.I). It is independent of the operator-tunable
// config.KDFParams used by DeriveMasterKey, so a slower master-key KDF
// doesn't also slow down every login check.
var passwordParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPassword produces the encoded verifier stored in User.PasswordVerif.
func HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, passwordParams)
	if err != nil {
		return "", fmt.Errorf("cryptoprim: hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks password against an encoded verifier produced by
// HashPassword.
func VerifyPassword(password, verifier string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, verifier)
	if err != nil {
		return false, fmt.Errorf("cryptoprim: compare password: %w", err)
	}
	return match, nil
}

// VerifyWrappedUserKey checks that a user's wrapped key still authenticates
// under the derived master key, without returning the key itself. Used at
// startup to fail fast with WrongPassphrase rather than propagate a
// bad key deeper into the store.
func VerifyWrappedUserKey(masterKey, wrapped []byte, username string) error {
	_, err := UnwrapKey(masterKey, wrapped, "user:"+username)
	return err
}
