// Package record implements the AEAD record layer: a directional
// AES-256-GCM context keyed by a monotonic 64-bit sequence number, and the
// on-the-wire framing (10-byte header + sealed body) carried over it.
package record

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrReplay is returned by Decrypt when the supplied sequence number is
// strictly less than the context's current sequence — a replayed or
// reordered-too-far record.
var ErrReplay = errors.New("record: replayed or stale sequence number")

// ErrFrameTooLarge is returned when a header declares a total_len greater
// than MaxPacket.
var ErrFrameTooLarge = errors.New("record: declared frame length exceeds MaxPacket")

// Crypt is a single-direction AEAD context. It is not safe for concurrent
// use; each direction of a connection owns exactly one Crypt, used from
// exactly one goroutine (per SPEC_FULL §5).
type Crypt struct {
	aead cipher.AEAD
	seq  uint64
}

// New builds a Crypt from a 32-byte AES-256 key.
func New(key []byte) (*Crypt, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("record: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("record: init AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("record: init GCM: %w", err)
	}
	return &Crypt{aead: aead}, nil
}

// CurrentSeq returns the context's current sequence number without
// mutating it.
func (c *Crypt) CurrentSeq() uint64 {
	return c.seq
}

// SetSeq forcibly sets the sequence number, used only when resuming a
// recovered session at its stored (in_seq, out_seq) snapshot.
func (c *Crypt) SetSeq(seq uint64) {
	c.seq = seq
}

func nonceFor(seq uint64) [12]byte {
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	return nonce
}

// Encrypt increments the context's sequence number, seals plaintext with
// AAD = seq (little-endian), and returns ciphertext||tag written into
// scratch. The nonce is seq_LE || 0000.
func (c *Crypt) Encrypt(plaintext []byte, scratch *PacketBuffer) ([]byte, error) {
	c.seq++
	nonce := nonceFor(c.seq)
	aad := make([]byte, 8)
	binary.LittleEndian.PutUint64(aad, c.seq)

	dst := scratch.AsMutSlice(0)
	sealed := c.aead.Seal(dst, nonce[:], plaintext, aad)
	return scratch.CopyFrom(sealed), nil
}

// Decrypt opens a sealed body (ciphertext||tag) sent with sequence seq.
// It rejects seq < current sequence as a replay; on success the context's
// sequence advances to seq+1.
func (c *Crypt) Decrypt(seq uint64, sealed []byte, scratch *PacketBuffer) ([]byte, error) {
	if seq < c.seq {
		return nil, ErrReplay
	}
	nonce := nonceFor(seq)
	aad := make([]byte, 8)
	binary.LittleEndian.PutUint64(aad, seq)

	dst := scratch.AsMutSlice(0)
	plaintext, err := c.aead.Open(dst, nonce[:], sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("record: AEAD open failed: %w", err)
	}
	c.seq = seq + 1
	return scratch.CopyFrom(plaintext), nil
}

func buildHeader(seq uint64, totalLen uint16, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], seq)
	binary.LittleEndian.PutUint16(dst[8:10], totalLen)
}

func parseHeader(src []byte) (seq uint64, totalLen uint16) {
	seq = binary.LittleEndian.Uint64(src[0:8])
	totalLen = binary.LittleEndian.Uint16(src[8:10])
	return
}

// Read consumes one framed record from reader: a 10-byte header followed
// by exactly header.total_len bytes of sealed body (ciphertext including
// the GCM tag — see SPEC_FULL §3.1 for why total_len counts the tag). A
// clean EOF before any header byte returns (nil, nil); EOF mid-frame is
// an error. ctx is checked before the read begins; cancellation mid-read
// relies on the underlying reader (e.g. a net.Conn deadline) to unblock.
func (c *Crypt) Read(ctx context.Context, r io.Reader, scratch *PacketBuffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var header [HeaderLength]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("record: read header: %w", err)
	}

	seq, totalLen := parseHeader(header[:])
	if int(totalLen) > MaxPacket {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("record: read body: %w", err)
	}

	return c.Decrypt(seq, body, scratch)
}

// Write seals plaintext and emits header+body to w in a single record.
// Callers that need to carry more than CryptPacketSize bytes of payload
// must split across multiple Write calls themselves (each consumes a new
// sequence number).
func (c *Crypt) Write(w io.Writer, plaintext []byte) error {
	var scratch PacketBuffer
	sealed, err := c.Encrypt(plaintext, &scratch)
	if err != nil {
		return err
	}

	var header [HeaderLength]byte
	buildHeader(c.seq, uint16(len(sealed)), header[:])

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("record: write header: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("record: write body: %w", err)
	}
	return nil
}
