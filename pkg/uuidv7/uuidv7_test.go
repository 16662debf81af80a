package uuidv7

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestNew(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if u.Version() != 7 {
		t.Fatalf("expected version 7, got %d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("expected RFC4122 variant, got %v", u.Variant())
	}
}

func TestGenerator_ClockAndOrdering(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	g := Generator{Now: func() time.Time { return at }, Rand: bytes.NewReader(make([]byte, 64))}

	first, err := g.NewString()
	if err != nil {
		t.Fatal(err)
	}
	u, err := Parse(first)
	if err != nil {
		t.Fatal(err)
	}
	if got := Time(u); !got.Equal(at) {
		t.Fatalf("time=%v", got)
	}

	at = at.Add(time.Millisecond)
	second, err := g.NewString()
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Fatalf("expected %s > %s", second, first)
	}
}

func TestGenerator_ReadError(t *testing.T) {
	g := Generator{Rand: errReader{}}
	if _, err := g.New(); err == nil {
		t.Fatal("expected error")
	}
	if _, err := g.NewString(); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("nope"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Parse(uuid.NewString()); err == nil {
		t.Fatal("expected v4 to be rejected")
	}
	s, err := NewString()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(s); err != nil {
		t.Fatal(err)
	}
}
