// Package securecache wraps the smart cache with at-rest protection:
// optional gzip compression, AES-256-GCM encryption with a scrypt-derived
// key, and per-entry integrity via the GCM auth tag. Small or explicitly
// non-sensitive entries may bypass encryption.
package securecache

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/clusterkit/clusterkit/internal/cache"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// aadCacheEntry is the AAD used for secure-cache envelopes. It is
// deliberately distinct from the IPC bus's "ipc-message" AAD (open
// question #2): reusing one AAD literal across domains would let a
// ciphertext captured from one channel authenticate on the other.
const aadCacheEntry = "cache-entry"

var (
	// ErrIntegrityViolation is returned (and also recorded in stats) when
	// the GCM auth tag does not verify on decrypt.
	ErrIntegrityViolation = errors.New("securecache: integrity violation")
)

// sealedEntry is what actually lives in the wrapped smart cache.
type sealedEntry struct {
	plaintext  []byte // set only when Bypassed
	ciphertext []byte
	iv         []byte
	authTag    []byte
	compressed bool
	bypassed   bool
	keyGen     int // which generation of key encrypted this entry
}

// Options configures a SecureCache.
type Options struct {
	MaxSize              int
	Passphrase           string
	BypassUnderBytes     int // entries smaller than this may skip encryption
	CompressOverBytes    int // entries larger than this are gzip-candidates
	KeyRotationEvery     int // rotate key after this many memory-pressure events
	Logger               *slog.Logger
}

// Cache is the secure overlay over the smart cache.
type Cache struct {
	mu sync.Mutex

	inner *cache.Cache[sealedEntry]
	opts  Options
	logger *slog.Logger

	key          []byte
	keyGen       int
	pressureSinceRotation int

	encryptionFailures int64
	integrityViolations int64
	keyRotations        int64
}

// New builds a SecureCache, deriving its first key from Passphrase.
func New(opts Options) (*Cache, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.BypassUnderBytes <= 0 {
		opts.BypassUnderBytes = 256
	}
	if opts.CompressOverBytes <= 0 {
		opts.CompressOverBytes = 1024
	}
	if opts.KeyRotationEvery <= 0 {
		opts.KeyRotationEvery = 50
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}

	c := &Cache{
		inner:  cache.New(cache.Options[sealedEntry]{MaxSize: opts.MaxSize}),
		opts:   opts,
		logger: opts.Logger,
	}

	key, err := deriveKey(opts.Passphrase, 0)
	if err != nil {
		return nil, err
	}
	c.key = key
	return c, nil
}

// Close releases the wrapped cache's background goroutine.
func (c *Cache) Close() { c.inner.Close() }

// deriveKey derives a 32-byte AES key via scrypt, salting with the key
// generation so rotation produces an unrelated key.
func deriveKey(passphrase string, generation int) ([]byte, error) {
	salt := []byte("salt")
	if generation > 0 {
		salt = append(salt, byte(generation), byte(generation>>8))
	}
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
}

// Set serialises and seals value, bypassing encryption for small payloads.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	if len(value) < c.opts.BypassUnderBytes {
		c.inner.Set(key, sealedEntry{plaintext: append([]byte(nil), value...), bypassed: true}, ttl)
		return nil
	}

	payload := value
	compressed := false
	if len(value) > c.opts.CompressOverBytes {
		if gz, ok := tryGzip(value); ok && len(gz) < int(float64(len(value))*0.9) {
			payload = gz
			compressed = true
		}
	}

	c.mu.Lock()
	key32 := append([]byte(nil), c.key...)
	gen := c.keyGen
	c.mu.Unlock()

	iv := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		c.mu.Lock()
		c.encryptionFailures++
		c.mu.Unlock()
		return err
	}

	ciphertext, authTag, err := seal(key32, iv, payload, []byte(aadCacheEntry))
	if err != nil {
		c.mu.Lock()
		c.encryptionFailures++
		c.mu.Unlock()
		return err
	}

	c.inner.Set(key, sealedEntry{
		ciphertext: ciphertext,
		iv:         iv,
		authTag:    authTag,
		compressed: compressed,
		keyGen:     gen,
	}, ttl)
	return nil
}

// Get reverses Set. On an auth-tag mismatch it records an integrity
// violation and returns (nil, false) rather than an error — callers treat
// it exactly like a cache miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	sealedVal, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	if sealedVal.bypassed {
		return sealedVal.plaintext, true
	}

	c.mu.Lock()
	keyForGen := c.keyForGeneration(sealedVal.keyGen)
	c.mu.Unlock()

	plaintext, err := open(keyForGen, sealedVal.iv, sealedVal.ciphertext, sealedVal.authTag, []byte(aadCacheEntry))
	if err != nil {
		c.mu.Lock()
		c.integrityViolations++
		c.mu.Unlock()
		c.logger.Warn("securecache integrity violation", "key", key)
		return nil, false
	}

	if sealedVal.compressed {
		plaintext, err = gunzip(plaintext)
		if err != nil {
			c.mu.Lock()
			c.integrityViolations++
			c.mu.Unlock()
			return nil, false
		}
	}
	return plaintext, true
}

// keyForGeneration returns the current key if gen matches, or derives the
// historical key on demand for lazily-rotated entries still on an old
// generation. Caller must hold c.mu.
func (c *Cache) keyForGeneration(gen int) []byte {
	if gen == c.keyGen {
		return c.key
	}
	key, err := deriveKey(c.opts.Passphrase, gen)
	if err != nil {
		return c.key
	}
	return key
}

// Delete removes an entry from the underlying cache.
func (c *Cache) Delete(key string) bool { return c.inner.Delete(key) }

// Clear resets the underlying cache.
func (c *Cache) Clear() { c.inner.Clear() }

// NotePressureEvent is called by the owner on every memory-pressure
// event; once KeyRotationEvery is reached, it rotates the key. Entries
// sealed before a rotation are not re-encrypted: Get keeps opening them
// with a key re-derived for their recorded generation, and only values
// written by a later Set use the new key.
func (c *Cache) NotePressureEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pressureSinceRotation++
	if c.pressureSinceRotation < c.opts.KeyRotationEvery {
		return
	}
	c.rotateKeyLocked()
}

// RotateKey forces a key rotation regardless of the pressure-event schedule.
func (c *Cache) RotateKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateKeyLocked()
}

func (c *Cache) rotateKeyLocked() {
	newGen := c.keyGen + 1
	key, err := deriveKey(c.opts.Passphrase, newGen)
	if err != nil {
		return
	}
	c.key = key
	c.keyGen = newGen
	c.pressureSinceRotation = 0
	c.keyRotations++
	c.logger.Info("securecache key_rotation", "generation", newGen)
}

// Stats extends the wrapped cache's stats with security counters.
type Stats struct {
	cache.Stats
	EncryptionFailures  int64
	IntegrityViolations int64
	KeyRotations        int64
}

// GetStats returns the combined cache + security stats.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Stats:               c.inner.GetStats(),
		EncryptionFailures:  c.encryptionFailures,
		IntegrityViolations: c.integrityViolations,
		KeyRotations:        c.keyRotations,
	}
}

func seal(key, iv, plaintext, aad []byte) (ciphertext, authTag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

func open(key, iv, ciphertext, authTag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	combined := append(append([]byte(nil), ciphertext...), authTag...)
	plaintext, err := gcm.Open(nil, iv, combined, aad)
	if err != nil {
		return nil, ErrIntegrityViolation
	}
	return plaintext, nil
}

func tryGzip(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
