package record

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := New(testKey())
	require.NoError(t, err)
	dec, err := New(testKey())
	require.NoError(t, err)

	var scratch PacketBuffer
	plaintext := []byte("hello tunnel")

	sealed, err := enc.Encrypt(plaintext, &scratch)
	require.NoError(t, err)

	var outScratch PacketBuffer
	opened, err := dec.Decrypt(enc.CurrentSeq(), append([]byte(nil), sealed...), &outScratch)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSequenceIncrements(t *testing.T) {
	enc, err := New(testKey())
	require.NoError(t, err)

	require.Equal(t, uint64(0), enc.CurrentSeq())
	var scratch PacketBuffer
	_, err = enc.Encrypt([]byte("a"), &scratch)
	require.NoError(t, err)
	require.Equal(t, uint64(1), enc.CurrentSeq())
	_, err = enc.Encrypt([]byte("b"), &scratch)
	require.NoError(t, err)
	require.Equal(t, uint64(2), enc.CurrentSeq())
}

func TestReplayRejected(t *testing.T) {
	enc, err := New(testKey())
	require.NoError(t, err)
	dec, err := New(testKey())
	require.NoError(t, err)

	var scratch, outScratch PacketBuffer
	sealed, err := enc.Encrypt([]byte("first"), &scratch)
	require.NoError(t, err)
	sealedCopy := append([]byte(nil), sealed...)

	_, err = dec.Decrypt(1, sealedCopy, &outScratch)
	require.NoError(t, err)

	// Replaying the same sequence must fail now that dec.seq == 2.
	_, err = dec.Decrypt(1, sealedCopy, &outScratch)
	require.ErrorIs(t, err, ErrReplay)
}

func TestDecryptFailsOnBadTag(t *testing.T) {
	enc, err := New(testKey())
	require.NoError(t, err)
	dec, err := New(testKey())
	require.NoError(t, err)

	var scratch, outScratch PacketBuffer
	sealed, err := enc.Encrypt([]byte("payload"), &scratch)
	require.NoError(t, err)
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = dec.Decrypt(1, tampered, &outScratch)
	require.Error(t, err)
}

func TestWriteReadFraming(t *testing.T) {
	enc, err := New(testKey())
	require.NoError(t, err)
	dec, err := New(testKey())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, enc.Write(&buf, []byte("framed message")))

	var scratch PacketBuffer
	plaintext, err := dec.Read(context.Background(), &buf, &scratch)
	require.NoError(t, err)
	require.Equal(t, []byte("framed message"), plaintext)
}

func TestReadCleanEOFBeforeHeader(t *testing.T) {
	dec, err := New(testKey())
	require.NoError(t, err)

	var scratch PacketBuffer
	plaintext, err := dec.Read(context.Background(), &bytes.Buffer{}, &scratch)
	require.NoError(t, err)
	require.Nil(t, plaintext)
}

func TestReadErrorsOnFrameTooLarge(t *testing.T) {
	dec, err := New(testKey())
	require.NoError(t, err)

	var header [HeaderLength]byte
	buildHeader(1, uint16(MaxPacket+1), header[:])
	var buf bytes.Buffer
	buf.Write(header[:])

	var scratch PacketBuffer
	_, err = dec.Read(context.Background(), &buf, &scratch)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
