package srtp

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Key derivation vectors from RFC 3711 appendix B.3.
func TestDeriveSessionKeysVectors(t *testing.T) {
	masterKey := mustHex(t, "E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt := mustHex(t, "0EC675AD498AFEEBB6960B3AABE6")

	keys, err := DeriveSessionKeys(masterKey, masterSalt)
	require.NoError(t, err)

	assert.Equal(t, mustHex(t, "C61E7A93744F39EE10734AFE3FF7A087"), keys.EncKey)
	assert.Equal(t, mustHex(t, "CEBE321F6FF7716B6FD4AB49AF256A156D38BAA4"), keys.AuthKey)
	assert.Equal(t, mustHex(t, "30CBBC08863D8C85D49DB34A9AE1"), keys.Salt)
}

func TestDeriveRejectsBadLengths(t *testing.T) {
	_, err := DeriveSessionKeys(make([]byte, 15), make([]byte, 14))
	assert.Error(t, err)
	_, err = DeriveSessionKeys(make([]byte, 16), make([]byte, 13))
	assert.Error(t, err)
}

func testPacket(seq uint16, ts uint32, ssrc uint32, payload []byte) []byte {
	packet := make([]byte, 12+len(payload))
	packet[0] = 0x80
	packet[1] = 96
	binary.BigEndian.PutUint16(packet[2:4], seq)
	binary.BigEndian.PutUint32(packet[4:8], ts)
	binary.BigEndian.PutUint32(packet[8:12], ssrc)
	copy(packet[12:], payload)
	return packet
}

func contextPair(t *testing.T, ssrc uint32) (*Context, *Context) {
	t.Helper()
	masterKey := mustHex(t, "E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt := mustHex(t, "0EC675AD498AFEEBB6960B3AABE6")
	sender, err := NewContext(masterKey, masterSalt, ssrc)
	require.NoError(t, err)
	receiver, err := NewContext(masterKey, masterSalt, ssrc)
	require.NoError(t, err)
	return sender, receiver
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	sender, receiver := contextPair(t, 0xDEADBEEF)
	payload := []byte("not yet encrypted H.264 payload")
	packet := testPacket(100, 3000, 0xDEADBEEF, payload)

	protected, err := sender.Protect(packet)
	require.NoError(t, err)
	assert.Len(t, protected, len(packet)+tagLength)
	// Header travels in the clear, payload does not.
	assert.Equal(t, packet[:12], protected[:12])
	assert.NotEqual(t, payload, protected[12:len(packet)])

	plain, err := receiver.Unprotect(protected)
	require.NoError(t, err)
	assert.Equal(t, packet, plain)
}

func TestUnprotectRejectsTamper(t *testing.T) {
	sender, receiver := contextPair(t, 1)
	protected, err := sender.Protect(testPacket(1, 1, 1, []byte("payload")))
	require.NoError(t, err)

	for _, idx := range []int{4, 13, len(protected) - 1} {
		tampered := make([]byte, len(protected))
		copy(tampered, protected)
		tampered[idx] ^= 0x01
		_, err := receiver.Unprotect(tampered)
		assert.ErrorIs(t, err, ErrAuthFailed, "byte %d", idx)
	}
}

func TestUnprotectRejectsReplay(t *testing.T) {
	sender, receiver := contextPair(t, 1)
	protected, err := sender.Protect(testPacket(5, 1, 1, []byte("payload")))
	require.NoError(t, err)

	_, err = receiver.Unprotect(protected)
	require.NoError(t, err)
	_, err = receiver.Unprotect(protected)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestUnprotectRejectsStale(t *testing.T) {
	sender, receiver := contextPair(t, 1)

	var stale []byte
	for seq := uint16(1); seq <= 100; seq++ {
		p, err := sender.Protect(testPacket(seq, uint32(seq), 1, []byte("payload")))
		require.NoError(t, err)
		if seq == 1 {
			stale = p
		} else {
			_, err = receiver.Unprotect(p)
			require.NoError(t, err)
		}
	}
	// Seq 1 is now more than 64 behind the window head.
	_, err := receiver.Unprotect(stale)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestSequenceWraparoundAdvancesROC(t *testing.T) {
	sender, receiver := contextPair(t, 7)

	before := testPacket(0xFFFF, 90000, 7, []byte("last of the epoch"))
	after := testPacket(0x0000, 93000, 7, []byte("first of the next"))

	p1, err := sender.Protect(before)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sender.roc)

	p2, err := sender.Protect(after)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sender.roc)

	plain1, err := receiver.Unprotect(p1)
	require.NoError(t, err)
	assert.Equal(t, before, plain1)

	plain2, err := receiver.Unprotect(p2)
	require.NoError(t, err)
	assert.Equal(t, after, plain2)
	assert.Equal(t, uint32(1), receiver.recvROC)
}

func TestWraparoundToleratesReorder(t *testing.T) {
	sender, receiver := contextPair(t, 7)

	p0, err := sender.Protect(testPacket(0xFFFE, 0, 7, []byte("anchor")))
	require.NoError(t, err)
	p1, err := sender.Protect(testPacket(0xFFFF, 1, 7, []byte("old epoch")))
	require.NoError(t, err)
	p2, err := sender.Protect(testPacket(0x0000, 2, 7, []byte("new epoch")))
	require.NoError(t, err)

	_, err = receiver.Unprotect(p0)
	require.NoError(t, err)

	// The post-wrap packet arrives before the last pre-wrap one; the
	// straggler must still authenticate under ROC 0.
	_, err = receiver.Unprotect(p2)
	require.NoError(t, err)
	plain, err := receiver.Unprotect(p1)
	require.NoError(t, err)
	assert.Equal(t, []byte("old epoch"), plain[12:])
}

func TestUnprotectTooShort(t *testing.T) {
	_, receiver := contextPair(t, 1)
	_, err := receiver.Unprotect(make([]byte, 10))
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestProtectRejectsNonRTP(t *testing.T) {
	sender, _ := contextPair(t, 1)
	junk := make([]byte, 20)
	junk[0] = 0x00
	_, err := sender.Protect(junk)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderLengthWithCSRCAndExtension(t *testing.T) {
	// Two CSRCs and a one-word extension.
	packet := make([]byte, 12+8+8+4)
	packet[0] = 0x80 | 0x10 | 0x02
	binary.BigEndian.PutUint16(packet[12+8+2:12+8+4], 1)
	n, err := headerLength(packet)
	require.NoError(t, err)
	assert.Equal(t, 12+8+4+4, n)
}
