// Package chi provides the payload and phase value types of a CHI-style
// coherence-interconnect transaction.
package chi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSize is returned when a payload size is not one of the size
// classes a CHI request can carry.
var ErrInvalidSize = errors.New("invalid size")

// Size is a payload size class. The value is log2 of the size in bytes,
// which is how the Size field is encoded on the wire.
type Size uint8

// Size classes.
const (
	Size1 Size = iota
	Size2
	Size4
	Size8
	Size16
	Size32
	Size64
)

// Bytes returns the number of bytes described by the size class.
func (s Size) Bytes() int {
	return 1 << s
}

// Valid reports whether s is one of the defined size classes.
func (s Size) Valid() bool {
	return s <= Size64
}

func (s Size) String() string {
	if !s.Valid() {
		return fmt.Sprintf("SIZE_?(%d)", uint8(s))
	}
	return "SIZE_" + strconv.Itoa(s.Bytes())
}

// SizeFromBytes returns the size class for n bytes.
func SizeFromBytes(n int) (Size, error) {
	for s := Size1; s <= Size64; s++ {
		if s.Bytes() == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, n)
}

// ParseSize accepts "64", "SIZE_64" or "64B".
func ParseSize(str string) (Size, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.ToUpper(str), "SIZE_"), "B")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, str)
	}
	return SizeFromBytes(n)
}

// Payload describes what a transaction accesses. It does not change for the
// lifetime of a transaction attempt.
type Payload struct {
	address uint64
	ns      bool
	size    Size
}

// NewPayload creates a payload for sizeBytes bytes at address. ns marks a
// non-secure access.
func NewPayload(address uint64, ns bool, sizeBytes int) (Payload, error) {
	size, err := SizeFromBytes(sizeBytes)
	if err != nil {
		return Payload{}, err
	}
	return Payload{address: address, ns: ns, size: size}, nil
}

// NewPayloadWithSize creates a payload from an already encoded size class.
func NewPayloadWithSize(address uint64, ns bool, size Size) (Payload, error) {
	if !size.Valid() {
		return Payload{}, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}
	return Payload{address: address, ns: ns, size: size}, nil
}

// Address returns the accessed address.
func (p Payload) Address() uint64 { return p.address }

// NS reports whether the access is non-secure.
func (p Payload) NS() bool { return p.ns }

// Size returns the size class.
func (p Payload) Size() Size { return p.size }

// LineAddress returns the address aligned down to lineSize bytes.
func (p Payload) LineAddress(lineSize int) uint64 {
	return (p.address / uint64(lineSize)) * uint64(lineSize)
}

// Describe renders a transaction the way trace lines print it.
func Describe(p Payload, ph Phase) string {
	ns := 0
	if p.ns {
		ns = 1
	}
	return fmt.Sprintf("%s %s txn=%d addr=0x%08x ns=%d size=%d",
		ph.Channel, ph.OpcodeName(), ph.TxnID, p.address, ns, p.size.Bytes())
}

// Sequence hands out 16-bit identifiers in order, wrapping at the top of the
// range. The zero value starts at 0.
type Sequence struct {
	next uint16
}

// NewSequence returns a sequence whose first identifier is start.
func NewSequence(start uint16) *Sequence {
	return &Sequence{next: start}
}

// Next returns the next identifier.
func (s *Sequence) Next() uint16 {
	id := s.next
	s.next++
	return id
}
