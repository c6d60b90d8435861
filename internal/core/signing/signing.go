// Package signing implements the request signature and password encryption
// expected by the Catlink cloud API.
package signing

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// SignKey is the shared secret appended to every signed parameter string.
const SignKey = "00109190907746a7ad0e2139b6d09ce47551770157fe4ac5922f3a5454c82712"

// PublicKey is the base64 DER (PKIX) RSA key used to encrypt login passwords.
const PublicKey = "MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQCCA9I+iEl2AI8dnhdwwxPxHVK8iNAt6aTq6UhNsLsguWS5qtbLnuGz2RQdfNS" +
	"aKSU2B6D/vE2gb1fM6f1A5cKndqF/riWGWn1EfL3FFQZduOTxoA0RTQzhrTa5LHcJ/an/NuHUwShwIOij0Mf4g8faTe4FT7/HdA" +
	"oK7uW0cG9mZwIDAQAB"

// PlaintextMaxLen is the longest stored password still treated as plaintext.
// Longer values are assumed to be already encrypted and are sent as-is.
const PlaintextMaxLen = 16

var ErrInvalidKey = errors.New("signing: invalid public key")

// Sign returns the uppercase MD5 hex digest of the params sorted by key,
// joined as k=v pairs with '&' and suffixed with key=<SignKey>.
func Sign(params map[string]string) string {
	return SignWithKey(params, SignKey)
}

// SignWithKey is Sign with an explicit shared secret.
func SignWithKey(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	parts = append(parts, "key="+key)

	sum := md5.Sum([]byte(strings.Join(parts, "&")))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NeedsEncryption reports whether a stored password looks like plaintext.
// Length is counted in characters, not bytes.
func NeedsEncryption(password string) bool {
	return utf8.RuneCountInString(password) <= PlaintextMaxLen
}

// Digest returns the uppercase SHA-1 hex of the lowercase MD5 hex of raw.
// This is the value the server expects inside the RSA envelope.
func Digest(raw string) string {
	m := md5.Sum([]byte(raw))
	s := sha1.Sum([]byte(hex.EncodeToString(m[:])))
	return strings.ToUpper(hex.EncodeToString(s[:]))
}

// Encrypter RSA-encrypts password digests with a fixed public key.
type Encrypter struct {
	key *rsa.PublicKey
}

// NewEncrypter parses a base64 DER (PKIX) public key.
func NewEncrypter(b64 string) (*Encrypter, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &Encrypter{key: rsaPub}, nil
}

// DefaultEncrypter returns an Encrypter for PublicKey.
func DefaultEncrypter() *Encrypter {
	e, err := NewEncrypter(PublicKey)
	if err != nil {
		panic(err)
	}
	return e
}

// EncryptPassword returns base64(RSA-PKCS1v15(Digest(raw))).
func (e *Encrypter) EncryptPassword(raw string) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, e.key, []byte(Digest(raw)))
	if err != nil {
		return "", fmt.Errorf("signing: encrypt password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// LoginPassword applies the plaintext heuristic: short values are encrypted,
// anything longer than PlaintextMaxLen is passed through untouched.
func (e *Encrypter) LoginPassword(stored string) (string, error) {
	if !NeedsEncryption(stored) {
		return stored, nil
	}
	return e.EncryptPassword(stored)
}
