// Package crypto provides the cryptographic envelope for Alexander Backup:
// password-derived master keys, wrapped per-dataset data keys, deterministic
// filename encryption, per-blob content encryption, and the authentication
// hash that defines the dataset checksum namespace.
package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the filename and content data keys (32 bytes).
	KeySize = chacha20.KeySize

	// IVSize is the per-blob initialization vector size (12 bytes).
	IVSize = chacha20.NonceSize

	// SaltSize is the size of the password KDF salt.
	SaltSize = 16

	// kdfIterations is the PBKDF2 iteration count, fixed per dataset.
	kdfIterations = 200_000
)

var (
	// ErrNoKeys indicates an operation needed data keys that have not been
	// generated or loaded.
	ErrNoKeys = errors.New("data keys not available")

	// ErrBadWrappedKey indicates a wrapped key failed to unwrap, usually a
	// wrong password.
	ErrBadWrappedKey = errors.New("unable to unwrap key")

	// ErrUnknownAlgorithm indicates an unrecognized checksum algorithm name.
	ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")
)

// DefaultAlgorithm is the historical dataset checksum algorithm.
const DefaultAlgorithm = "md5"

// hashFactory returns the constructor for a named checksum algorithm.
func hashFactory(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", DefaultAlgorithm:
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// Envelope holds the key material for one dataset. A nil master key means
// encryption is disabled: filename and content operations become identity
// and the auth hasher is the plain dataset hash.
type Envelope struct {
	algorithm   string
	newHash     func() hash.Hash
	masterKey   []byte
	salt        []byte
	filenameKey []byte
	contentKey  []byte
	authKey     []byte
}

// NewEnvelope creates a disabled (plaintext) envelope for an unencrypted
// dataset using the given checksum algorithm.
func NewEnvelope(algorithm string) (*Envelope, error) {
	h, err := hashFactory(algorithm)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &Envelope{algorithm: algorithm, newHash: h}, nil
}

// NewEnvelopeWithPassword creates an enabled envelope, deriving the master
// key from the password and client name. A nil salt generates a fresh one
// (dataset creation); otherwise the persisted salt is used (dataset open).
func NewEnvelopeWithPassword(algorithm, password, client string, salt []byte) (*Envelope, error) {
	e, err := NewEnvelope(algorithm)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	e.salt = salt
	e.masterKey = pbkdf2.Key([]byte(password+client), salt, kdfIterations, KeySize, sha512.New)
	return e, nil
}

// Enabled reports whether the envelope performs encryption.
func (e *Envelope) Enabled() bool {
	return e.masterKey != nil
}

// Algorithm returns the dataset checksum algorithm name.
func (e *Envelope) Algorithm() string {
	return e.algorithm
}

// Salt returns the KDF salt, nil for a disabled envelope.
func (e *Envelope) Salt() []byte {
	return e.salt
}

// GenerateKeys creates fresh random filename and content data keys.
// Called once at dataset creation.
func (e *Envelope) GenerateKeys() error {
	if !e.Enabled() {
		return ErrNoKeys
	}
	e.filenameKey = make([]byte, KeySize)
	e.contentKey = make([]byte, KeySize)
	if _, err := rand.Read(e.filenameKey); err != nil {
		return fmt.Errorf("failed to generate filename key: %w", err)
	}
	if _, err := rand.Read(e.contentKey); err != nil {
		return fmt.Errorf("failed to generate content key: %w", err)
	}
	e.deriveAuthKey()
	return nil
}

// deriveAuthKey derives the row-authentication key from the content key.
func (e *Envelope) deriveAuthKey() {
	r := hkdf.New(sha256.New, e.contentKey, nil, []byte("alexander-backup-auth"))
	e.authKey = make([]byte, KeySize)
	if _, err := io.ReadFull(r, e.authKey); err != nil {
		// hkdf on a 32-byte key cannot fail to produce 32 bytes.
		panic(err)
	}
}

// AuthHasher returns the hash context whose hex digest names content in the
// dataset: an HMAC over the dataset hash when encryption is enabled, the
// plain hash otherwise.
func (e *Envelope) AuthHasher() hash.Hash {
	if e.Enabled() && e.authKey != nil {
		return hmac.New(e.newHash, e.authKey)
	}
	return e.newHash()
}

// NewIV generates a fresh per-blob initialization vector, or nil when
// encryption is disabled.
func (e *Envelope) NewIV() ([]byte, error) {
	if !e.Enabled() {
		return nil, nil
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}

// cipherReader applies a ChaCha20 keystream to everything read through it.
type cipherReader struct {
	source io.Reader
	cipher *chacha20.Cipher
}

func (r *cipherReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.cipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// Encrypter wraps a plaintext reader so that reads yield ciphertext under
// the content key and the given IV. Identity when disabled.
func (e *Envelope) Encrypter(iv []byte, source io.Reader) (io.Reader, error) {
	return e.contentStream(iv, source)
}

// Decrypter wraps a ciphertext reader so that reads yield plaintext.
// Identity when disabled.
func (e *Envelope) Decrypter(iv []byte, source io.Reader) (io.Reader, error) {
	return e.contentStream(iv, source)
}

// contentStream builds the symmetric keystream wrapper shared by both
// directions.
func (e *Envelope) contentStream(iv []byte, source io.Reader) (io.Reader, error) {
	if !e.Enabled() || iv == nil {
		return source, nil
	}
	if e.contentKey == nil {
		return nil, ErrNoKeys
	}
	c, err := chacha20.NewUnauthenticatedCipher(e.contentKey, iv)
	if err != nil {
		return nil, fmt.Errorf("failed to create content cipher: %w", err)
	}
	return &cipherReader{source: source, cipher: c}, nil
}

// filenameEncoding keeps encrypted names printable so they can travel in
// paths and directory listings.
var filenameEncoding = base64.RawURLEncoding

// EncryptFilename deterministically encrypts a filename: the same plaintext
// always yields the same ciphertext, which is what makes encrypted path
// lookup possible. The synthetic nonce is an HMAC of the plaintext under
// the filename key, prepended to the stream ciphertext, and the whole
// token is base64url encoded. Identity when disabled.
func (e *Envelope) EncryptFilename(name []byte) ([]byte, error) {
	if !e.Enabled() {
		return name, nil
	}
	if e.filenameKey == nil {
		return nil, ErrNoKeys
	}

	mac := hmac.New(sha256.New, e.filenameKey)
	mac.Write(name)
	nonce := mac.Sum(nil)[:IVSize]

	c, err := chacha20.NewUnauthenticatedCipher(e.filenameKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create filename cipher: %w", err)
	}
	token := make([]byte, IVSize+len(name))
	copy(token, nonce)
	c.XORKeyStream(token[IVSize:], name)

	out := make([]byte, filenameEncoding.EncodedLen(len(token)))
	filenameEncoding.Encode(out, token)
	return out, nil
}

// DecryptFilename reverses EncryptFilename. Identity when disabled.
func (e *Envelope) DecryptFilename(name []byte) ([]byte, error) {
	if !e.Enabled() {
		return name, nil
	}
	if e.filenameKey == nil {
		return nil, ErrNoKeys
	}

	token := make([]byte, filenameEncoding.DecodedLen(len(name)))
	n, err := filenameEncoding.Decode(token, name)
	if err != nil {
		return nil, fmt.Errorf("malformed encrypted filename: %w", err)
	}
	token = token[:n]
	if len(token) < IVSize {
		return nil, errors.New("encrypted filename too short")
	}

	c, err := chacha20.NewUnauthenticatedCipher(e.filenameKey, token[:IVSize])
	if err != nil {
		return nil, fmt.Errorf("failed to create filename cipher: %w", err)
	}
	out := make([]byte, len(token)-IVSize)
	c.XORKeyStream(out, token[IVSize:])
	return out, nil
}

// EncryptPath encrypts each component of a slash-separated path,
// preserving separators and empty components. Identity when disabled.
func (e *Envelope) EncryptPath(path string) (string, error) {
	if !e.Enabled() {
		return path, nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		enc, err := e.EncryptFilename([]byte(p))
		if err != nil {
			return "", err
		}
		parts[i] = string(enc)
	}
	return strings.Join(parts, "/"), nil
}

// DecryptPath reverses EncryptPath.
func (e *Envelope) DecryptPath(path string) (string, error) {
	if !e.Enabled() {
		return path, nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		dec, err := e.DecryptFilename([]byte(p))
		if err != nil {
			return "", err
		}
		parts[i] = string(dec)
	}
	return strings.Join(parts, "/"), nil
}

// CreateVerifier produces the salted password verifier stored in the Keys
// row for challenge authentication. The verifier commits to the password
// without revealing key material.
func CreateVerifier(password, client string) (salt, verifier []byte, err error) {
	salt = make([]byte, SaltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate verifier salt: %w", err)
	}
	verifier = computeVerifier(password, client, salt)
	return salt, verifier, nil
}

// VerifierForSalt computes the verifier for an existing salt, used when
// the KDF salt and verifier salt are shared.
func VerifierForSalt(password, client string, salt []byte) []byte {
	return computeVerifier(password, client, salt)
}

// VerifyPassword checks a password against a stored salt and verifier in
// constant time.
func VerifyPassword(password, client string, salt, verifier []byte) bool {
	candidate := computeVerifier(password, client, salt)
	return subtle.ConstantTimeCompare(candidate, verifier) == 1
}

func computeVerifier(password, client string, salt []byte) []byte {
	key := pbkdf2.Key([]byte(password+client), salt, kdfIterations, KeySize, sha512.New)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("alexander-backup-verifier"))
	return mac.Sum(nil)
}

// wrap seals a data key under the master key with ChaCha20-Poly1305 and a
// fresh nonce, returning a printable token.
func (e *Envelope) wrap(key []byte) (string, error) {
	aead, err := chacha20poly1305.New(e.masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to create wrapping AEAD: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate wrapping nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, key, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// unwrap reverses wrap; failure almost always means a wrong password.
func (e *Envelope) unwrap(token string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWrappedKey, err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrBadWrappedKey
	}
	aead, err := chacha20poly1305.New(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create wrapping AEAD: %w", err)
	}
	key, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrBadWrappedKey
	}
	return key, nil
}

// WrappedKeys returns the filename and content keys wrapped under the
// master key, for persistence in the Keys row or an external key file.
func (e *Envelope) WrappedKeys() (filenameKey, contentKey string, err error) {
	if !e.Enabled() || e.filenameKey == nil || e.contentKey == nil {
		return "", "", ErrNoKeys
	}
	if filenameKey, err = e.wrap(e.filenameKey); err != nil {
		return "", "", err
	}
	if contentKey, err = e.wrap(e.contentKey); err != nil {
		return "", "", err
	}
	return filenameKey, contentKey, nil
}

// SetWrappedKeys installs previously persisted wrapped data keys,
// unwrapping them with the master key.
func (e *Envelope) SetWrappedKeys(filenameKey, contentKey string) error {
	if !e.Enabled() {
		return ErrNoKeys
	}
	f, err := e.unwrap(filenameKey)
	if err != nil {
		return fmt.Errorf("filename key: %w", err)
	}
	c, err := e.unwrap(contentKey)
	if err != nil {
		return fmt.Errorf("content key: %w", err)
	}
	e.filenameKey = f
	e.contentKey = c
	e.deriveAuthKey()
	return nil
}
