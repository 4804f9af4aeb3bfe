// Package crypto provides the primitives used to protect persisted
// tokens and to derive write-confirmation tokens: AES-256-GCM envelope
// encryption, HMAC-SHA256 token derivation, and a canonical JSON
// serializer that makes the HMAC input deterministic.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLen is the required AEAD key length in bytes (AES-256).
	KeyLen = 32

	// nonceLen is the GCM nonce length in bytes (96 bits).
	nonceLen = 12

	// tagLen is the GCM authentication tag length in bytes.
	tagLen = 16

	// ConfirmTokenLen is the length of a confirmation token string.
	ConfirmTokenLen = 48
)

// Envelope is the at-rest form of an encrypted byte string. All three
// fields are standard base64.
type Envelope struct {
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Ciphertext string `json:"ciphertext"`
}

// Keyset wraps an AES-256-GCM cipher built from a caller-provided key.
type Keyset struct {
	gcm cipher.AEAD
}

// ParseKey decodes a standard-base64 key string and rejects anything
// that does not decode to exactly 32 bytes.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}

	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}

	return key, nil
}

// DeriveKey stretches a passphrase into an AES-256 key with scrypt.
// The salt must stay stable across restarts or previously sealed data
// becomes unreadable.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}

	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), 1<<15, 8, 1, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// NewKeyset creates a Keyset from a raw 32-byte key.
func NewKeyset(key []byte) (*Keyset, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Keyset{gcm: gcm}, nil
}

// Seal encrypts plaintext with a fresh random 12-byte IV and returns
// the base64 envelope. The GCM tag is carried separately from the
// ciphertext in the envelope.
func (k *Keyset) Seal(plaintext []byte) (Envelope, error) {
	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generating IV: %w", err)
	}

	sealed := k.gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return Envelope{
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open decrypts an envelope produced by Seal. Any decode or
// authentication failure is returned as an error.
func (k *Keyset) Open(env Envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}

	if len(iv) != nonceLen {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", nonceLen, len(iv))
	}

	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decoding auth tag: %w", err)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := k.gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

// ConfirmToken derives the write-confirmation token for one request
// shape. The token is stateless: the server recomputes it rather than
// remembering issued tokens, so equivalent requests always map to the
// same token under the same secret.
func ConfirmToken(secret []byte, userID, operationID string, pathParams, queryParams, body any) string {
	payload := strings.Join([]string{
		userID,
		operationID,
		StableStringify(pathParams),
		StableStringify(queryParams),
		StableStringify(body),
	}, "|")

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))

	token := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if len(token) > ConfirmTokenLen {
		token = token[:ConfirmTokenLen]
	}

	return token
}

// ConfirmTokenEqual compares two confirmation tokens in constant time.
func ConfirmTokenEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// StableStringify renders a value as JSON with object keys sorted
// ascending and array order preserved. nil renders as "null". The
// output is deterministic regardless of map iteration order, which is
// what makes it usable as HMAC input.
func StableStringify(v any) string {
	var sb strings.Builder
	stableWrite(&sb, v)

	return sb.String()
}

func stableWrite(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)
		sb.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}

			writeJSONScalar(sb, k)
			sb.WriteByte(':')
			stableWrite(sb, val[k])
		}

		sb.WriteByte('}')
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)
		sb.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}

			writeJSONScalar(sb, k)
			sb.WriteByte(':')
			writeJSONScalar(sb, val[k])
		}

		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')

		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}

			stableWrite(sb, item)
		}

		sb.WriteByte(']')
	default:
		// Scalars, plus any other composite the caller hands us: fall
		// back to a decode/re-encode round trip so maps nested inside
		// structs still sort deterministically.
		data, err := json.Marshal(val)
		if err != nil {
			sb.WriteString("null")
			return
		}

		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			sb.WriteString("null")
			return
		}

		switch decoded.(type) {
		case map[string]any, []any:
			stableWrite(sb, decoded)
		default:
			sb.Write(data)
		}
	}
}

// writeJSONScalar writes a single string as a JSON string literal.
func writeJSONScalar(sb *strings.Builder, s string) {
	data, err := json.Marshal(s)
	if err != nil {
		sb.WriteString(`""`)
		return
	}

	sb.Write(data)
}
