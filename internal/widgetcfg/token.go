package widgetcfg

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// The telephony token is produced by the embed loader with CryptoJS
// AES.decrypt/encrypt, which uses the OpenSSL envelope: a "Salted__" header,
// an 8-byte salt, and an MD5 EVP_BytesToKey derivation of a 32-byte key and
// 16-byte IV for AES-256-CBC with PKCS#7 padding. The token travels as
// URL-safe base64.

const opensslSaltHeader = "Salted__"

var (
	ErrMalformedToken = errors.New("malformed telephony token")
	ErrBadPadding     = errors.New("telephony token has invalid padding")
)

// TelephonyFields are the three identifiers packed into the token as
// phone_sid|sip_trunk_id|phone_number.
type TelephonyFields struct {
	PhoneSID    string
	SIPTrunkID  string
	PhoneNumber string
}

// DecryptTelephonyToken decodes and decrypts a loader-issued telephony token.
func DecryptTelephonyToken(token, secret string) (TelephonyFields, error) {
	raw, err := base64.StdEncoding.DecodeString(fromURLSafeBase64(token))
	if err != nil {
		return TelephonyFields{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(raw) < 16 || string(raw[:8]) != opensslSaltHeader {
		return TelephonyFields{}, fmt.Errorf("%w: missing salt header", ErrMalformedToken)
	}
	salt := raw[8:16]
	ciphertext := raw[16:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return TelephonyFields{}, fmt.Errorf("%w: ciphertext not block aligned", ErrMalformedToken)
	}

	key, iv := evpBytesToKey(secret, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return TelephonyFields{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return TelephonyFields{}, err
	}

	parts := strings.Split(string(plaintext), "|")
	if len(parts) != 3 {
		return TelephonyFields{}, fmt.Errorf("%w: expected 3 pipe-delimited fields, got %d", ErrMalformedToken, len(parts))
	}
	return TelephonyFields{
		PhoneSID:    parts[0],
		SIPTrunkID:  parts[1],
		PhoneNumber: parts[2],
	}, nil
}

// EncryptTelephonyToken is the loader-compatible counterpart used to mint
// tokens for embed customers and in tests.
func EncryptTelephonyToken(fields TelephonyFields, secret string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, iv := evpBytesToKey(secret, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to build cipher: %w", err)
	}

	plaintext := pkcs7Pad([]byte(fields.PhoneSID + "|" + fields.SIPTrunkID + "|" + fields.PhoneNumber))
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	raw := make([]byte, 0, 16+len(ciphertext))
	raw = append(raw, opensslSaltHeader...)
	raw = append(raw, salt...)
	raw = append(raw, ciphertext...)
	return toURLSafeBase64(base64.StdEncoding.EncodeToString(raw)), nil
}

// evpBytesToKey derives a 32-byte key and 16-byte IV the way OpenSSL's
// EVP_BytesToKey does with MD5 and one iteration.
func evpBytesToKey(secret string, salt []byte) (key, iv []byte) {
	var derived []byte
	var prev []byte
	for len(derived) < 48 {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(secret))
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:32], derived[32:48]
}

func pkcs7Pad(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padding], nil
}

func fromURLSafeBase64(s string) string {
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

func toURLSafeBase64(s string) string {
	s = strings.ReplaceAll(s, "+", "-")
	return strings.ReplaceAll(s, "/", "_")
}
