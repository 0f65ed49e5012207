// Package handshake reads and validates the opaque pre-session handshake
// that precedes every tunnel connection: an 8-byte signature, a 1-byte
// command, and an optional 48-byte ticket. Any malformed input is rejected
// silently, with no response written to the peer, so that port scanners and
// protocol probes learn nothing.
package handshake

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/openuds/tunnelbroker/ticket"
)

// Command identifies what the client is asking for.
type Command byte

const (
	CommandTest    Command = 0
	CommandOpen    Command = 1
	CommandRecover Command = 2
)

// Timeout is the maximum time allowed to read and validate the handshake.
const Timeout = 200 * time.Millisecond

// TicketEchoTimeout bounds the first encrypted frame following a successful
// Open or Recover handshake, in which the client must echo its ticket.
const TicketEchoTimeout = 1 * time.Second

const signatureLength = 8

// signature is the fixed byte string every handshake must begin with.
var signature = [signatureLength]byte{0x5A, 'M', 'G', 'B', 0xA5, 0x02, 0x00, 0x00}

// ErrInvalid covers every handshake malformation: bad signature, unknown
// command, or a short read. Callers must treat it uniformly by closing the
// connection without writing anything back.
var ErrInvalid = errors.New("handshake: invalid")

// Request is the parsed, validated handshake.
type Request struct {
	Command Command
	Ticket  ticket.Ticket // zero value when Command is Test
}

// Read consumes the handshake from r, enforcing Timeout via ctx. Any
// malformed input, timeout, or unexpected EOF is collapsed into ErrInvalid;
// callers must not write a response and must close the connection.
func Read(ctx context.Context, r io.Reader) (Request, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	type result struct {
		req Request
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := readHandshake(r)
		done <- result{req, err}
	}()

	select {
	case <-ctx.Done():
		return Request{}, ErrInvalid
	case res := <-done:
		if res.err != nil {
			return Request{}, ErrInvalid
		}
		return res.req, nil
	}
}

func readHandshake(r io.Reader) (Request, error) {
	var header [signatureLength + 1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Request{}, err
	}
	if [signatureLength]byte(header[:signatureLength]) != signature {
		return Request{}, ErrInvalid
	}

	cmd := Command(header[signatureLength])
	switch cmd {
	case CommandTest:
		return Request{Command: cmd}, nil
	case CommandOpen, CommandRecover:
		var raw [ticket.Length]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return Request{}, err
		}
		tk, err := ticket.FromBytes(raw[:])
		if err != nil {
			return Request{}, ErrInvalid
		}
		return Request{Command: cmd, Ticket: tk}, nil
	default:
		return Request{}, ErrInvalid
	}
}

// EncodeSignature returns the fixed 8-byte handshake signature, exposed for
// clients and tests constructing raw handshake frames.
func EncodeSignature() [signatureLength]byte {
	return signature
}
