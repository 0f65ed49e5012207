// Package tunnelkey derives the directional AEAD keys and payload-only
// key/nonce material shared between a client and the tunnel broker from a
// KEM-derived shared secret and the ticket that named the connection.
package tunnelkey

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/openuds/tunnelbroker/record"
)

// info is the fixed HKDF info string shared by both peers.
const info = "openuds-ticket-crypt"

const (
	okmLength    = 120
	segmentBytes = 32
	nonceBytes   = 12
)

// Material holds the five segments expanded from one HKDF-SHA256 call
// (see SPEC_FULL §4.3). Field order is not OKM order: KeyReceive comes
// from bytes 32:64 and KeySend from 64:96; see DeriveTunnelMaterial.
type Material struct {
	KeyPayload   [segmentBytes]byte
	KeySend      [segmentBytes]byte
	KeyReceive   [segmentBytes]byte
	NonceSend    [nonceBytes]byte
	NonceReceive [nonceBytes]byte
}

// DeriveTunnelMaterial expands (sharedSecret, ticket) into Material via
// HKDF-SHA256 with salt=ticket, IKM=sharedSecret, info="openuds-ticket-crypt".
// ticket must be at least 48 bytes.
func DeriveTunnelMaterial(sharedSecret, ticket []byte) (Material, error) {
	if len(ticket) < 48 {
		return Material{}, fmt.Errorf("tunnelkey: ticket must be at least 48 bytes, got %d", len(ticket))
	}

	reader := hkdf.New(sha256.New, sharedSecret, ticket, []byte(info))
	okm := make([]byte, okmLength)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return Material{}, fmt.Errorf("tunnelkey: expand HKDF output: %w", err)
	}

	// Segment offsets 32:64 and 64:96 map to KeyReceive/KeySend (not the
	// reverse) to match the regression vector pinned in SPEC_FULL §4.3 —
	// the original source's Material construction swaps these two fields
	// relative to their raw HKDF offsets; this is that swap applied once,
	// directly, instead of twice.
	var m Material
	copy(m.KeyPayload[:], okm[0:32])
	copy(m.KeyReceive[:], okm[32:64])
	copy(m.KeySend[:], okm[64:96])
	copy(m.NonceSend[:], okm[96:108])
	copy(m.NonceReceive[:], okm[108:120])
	return m, nil
}

// GetTunnelCrypts builds the pair of directional record.Crypt contexts for
// one side of the tunnel. Note the per-side swap documented in SPEC_FULL
// §4.3: the peer's "send" key is this side's "receive" key.
func GetTunnelCrypts(m Material) (inbound, outbound *record.Crypt, err error) {
	inbound, err = record.New(m.KeyReceive[:])
	if err != nil {
		return nil, nil, fmt.Errorf("tunnelkey: build inbound crypt: %w", err)
	}
	outbound, err = record.New(m.KeySend[:])
	if err != nil {
		return nil, nil, fmt.Errorf("tunnelkey: build outbound crypt: %w", err)
	}
	return inbound, outbound, nil
}
