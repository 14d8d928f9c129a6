package ipc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// aadIPCMessage is the AAD used for IPC payload encryption. Distinct from
// securecache's "cache-entry" AAD.
const aadIPCMessage = "ipc-message"

// ErrSignatureMismatch is returned (wrapped) by Decrypt when a tampered
// envelope fails the GCM authentication check.
var ErrSignatureMismatch = errors.New("ipc: signature mismatch")

// Envelope is the JSON shape carried in Message.Data when Message.Encrypted
// is true.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
}

// DeriveKey derives the per-cluster AES-256 key from a shared secret.
func DeriveKey(sharedSecret string) ([]byte, error) {
	return scrypt.Key([]byte(sharedSecret), []byte("salt"), 1<<15, 8, 1, 32)
}

// Encrypt seals payload under AAD "ipc-message" and returns the envelope
// ready to assign to Message.Data.
func Encrypt(key []byte, payload any) (Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("ipc: marshal payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(aadIPCMessage))
	tagStart := len(sealed) - gcm.Overhead()

	return Envelope{
		Encrypted: hex.EncodeToString(sealed[:tagStart]),
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt reverses Encrypt, unmarshaling the plaintext into out.
func Decrypt(key []byte, envelope Envelope, out any) error {
	ciphertext, err := hex.DecodeString(envelope.Encrypted)
	if err != nil {
		return fmt.Errorf("ipc: decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(envelope.IV)
	if err != nil {
		return fmt.Errorf("ipc: decode iv: %w", err)
	}
	authTag, err := hex.DecodeString(envelope.AuthTag)
	if err != nil {
		return fmt.Errorf("ipc: decode auth tag: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return err
	}

	combined := append(append([]byte(nil), ciphertext...), authTag...)
	plaintext, err := gcm.Open(nil, iv, combined, []byte(aadIPCMessage))
	if err != nil {
		return fmt.Errorf("ipc: %w", ErrSignatureMismatch)
	}

	return json.Unmarshal(plaintext, out)
}

// signableFields is the canonical subset of a Message signed/verified.
type signableFields struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// Sign returns the hex HMAC-SHA-256 signature of (id,type,from,to,timestamp).
func Sign(key []byte, msg Message) string {
	canonical, _ := json.Marshal(signableFields{
		ID: msg.ID, Type: msg.Type, From: msg.From, To: msg.To,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares msg.Signature against the expected signature
// in constant time.
func VerifySignature(key []byte, msg Message) bool {
	if msg.Signature == "" {
		return false
	}
	expected := Sign(key, msg)
	return hmac.Equal([]byte(expected), []byte(msg.Signature))
}

// SecureOutbound seals msg's Data under Encrypt and signs the result with
// Sign. A nil key leaves msg unchanged, the zero-security default every
// caller falls back to when no shared secret is configured.
func SecureOutbound(key []byte, msg Message) (Message, error) {
	if key == nil {
		return msg, nil
	}
	env, err := Encrypt(key, msg.Data)
	if err != nil {
		return Message{}, fmt.Errorf("ipc: encrypt payload: %w", err)
	}
	msg.Data = env
	msg.Encrypted = true
	msg.Signature = Sign(key, msg)
	return msg, nil
}

// VerifyInbound is SecureOutbound's inverse: it checks msg's signature and
// decrypts its Data. ok is false whenever msg should be dropped — a
// missing/tampered signature, or an encrypted payload that fails to
// decrypt. A nil key accepts msg unchanged.
func VerifyInbound(key []byte, msg Message) (Message, bool) {
	if key == nil {
		return msg, true
	}
	if !VerifySignature(key, msg) {
		return msg, false
	}
	if !msg.Encrypted {
		return msg, false
	}
	env, ok := decodeEnvelope(msg.Data)
	if !ok {
		return msg, false
	}
	var payload any
	if err := Decrypt(key, env, &payload); err != nil {
		return msg, false
	}
	msg.Data = payload
	return msg, true
}

// decodeEnvelope re-decodes msg.Data (a map[string]any after a round trip
// through JSON) into an Envelope.
func decodeEnvelope(data any) (Envelope, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if env.Encrypted == "" || env.IV == "" || env.AuthTag == "" {
		return Envelope{}, false
	}
	return env, true
}
