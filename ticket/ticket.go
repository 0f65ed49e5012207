// Package ticket implements the 48-byte ASCII-alphanumeric opaque token
// used in three distinct roles across the tunnel broker: the client's
// authorization token, the server-assigned session identifier, and the
// rotating recovery id. The three roles share byte layout but are kept as
// distinct Go types so they cannot be interchanged by accident.
package ticket

import (
	"crypto/rand"
	"fmt"
)

// Length is the fixed byte length of every ticket-shaped value.
const Length = 48

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Ticket is the client-presented authorization token (role a in SPEC_FULL §3).
type Ticket [Length]byte

// SessionId is the server-chosen session identifier (role b). It shares
// Ticket's byte shape but is never accepted where a Ticket is expected.
type SessionId [Length]byte

// EquivID is a transient recovery id (role c), rotated on every successful
// recover so the id-on-the-wire changes.
type EquivID [Length]byte

// New generates a random Ticket using a CSPRNG.
func New() (Ticket, error) {
	var t Ticket
	if err := fillRandom(t[:]); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// NewSessionId generates a random SessionId.
func NewSessionId() (SessionId, error) {
	var s SessionId
	if err := fillRandom(s[:]); err != nil {
		return SessionId{}, err
	}
	return s, nil
}

func fillRandom(dst []byte) error {
	raw := make([]byte, len(dst))
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("ticket: read random bytes: %w", err)
	}
	for i, b := range raw {
		dst[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return nil
}

// FromBytes parses a Ticket from exactly Length bytes, validating its
// character set.
func FromBytes(b []byte) (Ticket, error) {
	if len(b) != Length {
		return Ticket{}, fmt.Errorf("ticket: expected %d bytes, got %d", Length, len(b))
	}
	var t Ticket
	copy(t[:], b)
	if err := t.Validate(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// Validate reports whether every byte is ASCII alphanumeric.
func (t Ticket) Validate() error {
	return validateBytes(t[:])
}

// Bytes returns the raw byte slice view of the ticket.
func (t Ticket) Bytes() []byte {
	return t[:]
}

// String renders the ticket as its literal ASCII content.
func (t Ticket) String() string {
	return string(t[:])
}

// AsSessionId reinterprets a Ticket's bytes as a SessionId. Used only at
// the Recover handshake boundary, where the wire ticket is in fact a
// previously issued SessionId.
func (t Ticket) AsSessionId() SessionId {
	var s SessionId
	copy(s[:], t[:])
	return s
}

func (s SessionId) Validate() error {
	return validateBytes(s[:])
}

func (s SessionId) Bytes() []byte {
	return s[:]
}

func (s SessionId) String() string {
	return string(s[:])
}

func (e EquivID) Bytes() []byte {
	return e[:]
}

func (e EquivID) String() string {
	return string(e[:])
}

// EquivIDFromSessionId reinterprets a SessionId as an EquivID — every
// canonical SessionId is, by construction, also its own initial equivalent.
func EquivIDFromSessionId(s SessionId) EquivID {
	var e EquivID
	copy(e[:], s[:])
	return e
}

// SessionIdFromEquiv reinterprets an EquivID as a SessionId lookup key.
func SessionIdFromEquiv(e EquivID) SessionId {
	var s SessionId
	copy(s[:], e[:])
	return s
}

func validateBytes(b []byte) error {
	if len(b) != Length {
		return fmt.Errorf("ticket: expected %d bytes, got %d", Length, len(b))
	}
	for _, c := range b {
		isDigit := c >= '0' && c <= '9'
		isUpper := c >= 'A' && c <= 'Z'
		isLower := c >= 'a' && c <= 'z'
		if !isDigit && !isUpper && !isLower {
			return fmt.Errorf("ticket: invalid byte %q, only ASCII alphanumerics allowed", c)
		}
	}
	return nil
}
