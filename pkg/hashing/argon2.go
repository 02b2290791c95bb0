package hashing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// costHeadroom is how far stored parameters may exceed the configured ones
// before Verify refuses to run them.
const costHeadroom = 4

var (
	// ErrInvalidHash indicates the stored value is not a PHC-formatted argon2id hash.
	ErrInvalidHash = errors.New("invalid argon2id hash")
	// ErrIncompatibleVersion indicates the hash was produced by another argon2 version.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// Hasher hashes and verifies secrets with a memory-hard KDF.
type Hasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, encoded string) (bool, error)
}

// Config tunes argon2id. MaxConcurrent bounds how many derivations run at once.
type Config struct {
	Memory        uint32
	Time          uint32
	Parallelism   uint8
	SaltLength    uint32
	KeyLength     uint32
	MaxConcurrent int
}

// DefaultConfig mirrors the argon2 crate defaults (m=19456, t=2, p=1).
func DefaultConfig() Config {
	return Config{
		Memory:        19 * 1024,
		Time:          2,
		Parallelism:   1,
		SaltLength:    16,
		KeyLength:     32,
		MaxConcurrent: runtime.NumCPU(),
	}
}

// Argon2 implements Hasher using PHC strings, e.g.
// $argon2id$v=19$m=19456,t=2,p=1$<salt>$<hash>.
type Argon2 struct {
	config Config
	slots  chan struct{}
}

// NewArgon2 validates cfg and returns a hasher.
func NewArgon2(cfg Config) (*Argon2, error) {
	if cfg.Memory < 1024 {
		return nil, errors.New("argon2 memory must be >= 1024 KB")
	}
	if cfg.Time < 1 {
		return nil, errors.New("argon2 time must be >= 1")
	}
	if cfg.Parallelism < 1 {
		return nil, errors.New("argon2 parallelism must be >= 1")
	}
	if cfg.SaltLength < 8 {
		return nil, errors.New("argon2 salt length must be >= 8")
	}
	if cfg.KeyLength < 16 {
		return nil, errors.New("argon2 key length must be >= 16")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	return &Argon2{config: cfg, slots: make(chan struct{}, cfg.MaxConcurrent)}, nil
}

// Hash derives a salted argon2id hash of plaintext.
func (a *Argon2) Hash(ctx context.Context, plaintext string) (string, error) {
	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	if err := a.acquire(ctx); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plaintext), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)
	a.release()

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the encoded parameters and compares in constant time.
func (a *Argon2) Verify(ctx context.Context, plaintext, encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	if !a.withinBounds(p) {
		return false, ErrInvalidHash
	}

	if err := a.acquire(ctx); err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(plaintext), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	a.release()

	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

func (a *Argon2) withinBounds(p *params) bool {
	return uint64(p.memory) <= uint64(a.config.Memory)*costHeadroom &&
		uint64(p.time) <= uint64(a.config.Time)*costHeadroom &&
		uint64(p.parallelism) <= uint64(a.config.Parallelism)*costHeadroom
}

func (a *Argon2) acquire(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Argon2) release() {
	<-a.slots
}

type params struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func decode(encoded string) (*params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	p := &params{}
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, ErrInvalidHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return nil, ErrInvalidHash
		}
		switch name {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidHash
			}
			p.parallelism = uint8(n)
		default:
			return nil, ErrInvalidHash
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return nil, ErrInvalidHash
	}

	if p.salt, err = decodeB64(parts[4]); err != nil || len(p.salt) == 0 {
		return nil, ErrInvalidHash
	}
	if p.key, err = decodeB64(parts[5]); err != nil || len(p.key) == 0 {
		return nil, ErrInvalidHash
	}
	return p, nil
}

// decodeB64 accepts both unpadded (PHC) and padded encodings.
func decodeB64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
