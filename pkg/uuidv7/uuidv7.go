package uuidv7

import (
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 values (RFC 9562, millisecond precision). The
// zero value uses the wall clock and crypto/rand.
type Generator struct {
	Now  func() time.Time
	Rand io.Reader
}

func (g Generator) New() (uuid.UUID, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	now := g.Now
	if now == nil {
		now = time.Now
	}

	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return uuid.Nil, err
	}

	ms := uint64(now().UnixMilli())
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)

	b[6] = (b[6] & 0x0f) | 0x70
	b[8] = (b[8] & 0x3f) | 0x80

	return uuid.FromBytes(b[:])
}

func (g Generator) NewString() (string, error) {
	u, err := g.New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func New() (uuid.UUID, error) { return Generator{}.New() }

func NewString() (string, error) { return Generator{}.NewString() }

// Parse accepts only version 7 identifiers.
func Parse(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if u.Version() != 7 {
		return uuid.Nil, errors.New("uuidv7: not a version 7 uuid")
	}
	return u, nil
}

// Time returns the creation time embedded in u.
func Time(u uuid.UUID) time.Time {
	ms := int64(u[0])<<40 | int64(u[1])<<32 | int64(u[2])<<24 | int64(u[3])<<16 | int64(u[4])<<8 | int64(u[5])
	return time.UnixMilli(ms).UTC()
}
