package userdb

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/dewey/consts"
	"golang.org/x/crypto/bcrypt"
)

// Password hash schemes, in the Dovecot-style {SCHEME} notation.
const (
	ssha512PrefixB64         = "{SSHA512}"
	ssha512PrefixB64Explicit = "{SSHA512.b64}"
	ssha512PrefixHex         = "{SSHA512.HEX}"

	sha512PrefixB64         = "{SHA512}"
	sha512PrefixB64Explicit = "{SHA512.b64}"
	sha512PrefixHex         = "{SHA512.HEX}"

	blfCryptPrefix = "{BLF-CRYPT}"
	plainPrefix    = "{PLAIN}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"

	sha512HashLength     = 64
	ssha512MinSaltLength = 1
)

// Scheme names accepted by HashPassword.
const (
	SchemeBcrypt  = "bcrypt"
	SchemeSSHA512 = "ssha512"
	SchemeSHA512  = "sha512"
)

var errPasswordMismatch = errors.New("invalid password")

// VerifyPassword checks password against a stored hash. Supported schemes are
// bcrypt (bare or {BLF-CRYPT}), {SSHA512} and {SHA512} in base64 or .HEX
// encodings, and {PLAIN} for test setups.
func VerifyPassword(hashedPassword, password string) error {
	switch {
	case strings.HasPrefix(hashedPassword, ssha512PrefixB64),
		strings.HasPrefix(hashedPassword, ssha512PrefixB64Explicit),
		strings.HasPrefix(hashedPassword, ssha512PrefixHex):
		return verifySSHA512(hashedPassword, password)

	case strings.HasPrefix(hashedPassword, sha512PrefixB64),
		strings.HasPrefix(hashedPassword, sha512PrefixB64Explicit),
		strings.HasPrefix(hashedPassword, sha512PrefixHex):
		return verifySHA512(hashedPassword, password)

	case strings.HasPrefix(hashedPassword, blfCryptPrefix):
		return bcrypt.CompareHashAndPassword([]byte(strings.TrimPrefix(hashedPassword, blfCryptPrefix)), []byte(password))

	case strings.HasPrefix(hashedPassword, bcryptPrefix2a),
		strings.HasPrefix(hashedPassword, bcryptPrefix2b),
		strings.HasPrefix(hashedPassword, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))

	case strings.HasPrefix(hashedPassword, plainPrefix):
		if subtle.ConstantTimeCompare([]byte(hashedPassword[len(plainPrefix):]), []byte(password)) != 1 {
			return errPasswordMismatch
		}
		return nil

	default:
		return consts.ErrUnknownHashScheme
	}
}

// HashPassword hashes password with the named scheme.
func HashPassword(scheme, password string) (string, error) {
	switch strings.ToLower(scheme) {
	case SchemeBcrypt, "":
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("error generating bcrypt hash: %w", err)
		}
		return blfCryptPrefix + string(hash), nil

	case SchemeSSHA512:
		salt := make([]byte, 8)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("error generating random salt: %w", err)
		}
		h := sha512.New()
		h.Write([]byte(password))
		h.Write(salt)
		return ssha512PrefixB64 + base64.StdEncoding.EncodeToString(append(h.Sum(nil), salt...)), nil

	case SchemeSHA512:
		sum := sha512.Sum512([]byte(password))
		return sha512PrefixB64 + base64.StdEncoding.EncodeToString(sum[:]), nil

	default:
		return "", fmt.Errorf("%w: %s", consts.ErrUnknownHashScheme, scheme)
	}
}

func verifySSHA512(hashedPassword, password string) error {
	decoded, err := decodePasswordData(hashedPassword, ssha512PrefixB64, ssha512PrefixB64Explicit, ssha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SSHA512 format/data: %w", err)
	}

	// 64 bytes of digest, the salt is everything after it
	if len(decoded) < sha512HashLength+ssha512MinSaltLength {
		return errors.New("invalid SSHA512 hash: too short")
	}
	storedHash := decoded[:sha512HashLength]
	salt := decoded[sha512HashLength:]

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if subtle.ConstantTimeCompare(storedHash, h.Sum(nil)) != 1 {
		return errPasswordMismatch
	}
	return nil
}

func verifySHA512(hashedPassword, password string) error {
	storedHash, err := decodePasswordData(hashedPassword, sha512PrefixB64, sha512PrefixB64Explicit, sha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SHA512 format/data: %w", err)
	}
	if len(storedHash) != sha512HashLength {
		return errors.New("invalid SHA512 hash: incorrect length")
	}

	sum := sha512.Sum512([]byte(password))
	if subtle.ConstantTimeCompare(storedHash, sum[:]) != 1 {
		return errPasswordMismatch
	}
	return nil
}

func decodePasswordData(hashedPassword, pB64, pB64Explicit, pHex string) ([]byte, error) {
	switch {
	case strings.HasPrefix(hashedPassword, pB64Explicit): // more specific than pB64
		return decode(base64.StdEncoding.DecodeString, hashedPassword[len(pB64Explicit):], "base64")
	case strings.HasPrefix(hashedPassword, pB64):
		return decode(base64.StdEncoding.DecodeString, hashedPassword[len(pB64):], "base64")
	case strings.HasPrefix(hashedPassword, pHex):
		return decode(hex.DecodeString, hashedPassword[len(pHex):], "hex")
	default:
		return nil, fmt.Errorf("invalid or missing prefix (expected one of %s, %s, %s)", pB64, pB64Explicit, pHex)
	}
}

func decode(fn func(string) ([]byte, error), s, encoding string) ([]byte, error) {
	data, err := fn(s)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s data: %w", encoding, err)
	}
	return data, nil
}
