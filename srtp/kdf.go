// Package srtp implements the RFC 3711 profile used for media
// protection: AES-CM session key derivation, AES-128 counter-mode
// payload encryption, truncated HMAC-SHA1 authentication, and a
// 64-bit replay window. One Context protects or unprotects a single
// direction of a single SSRC.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Key derivation labels.
const (
	labelEncryption byte = 0x00
	labelAuth       byte = 0x01
	labelSalt       byte = 0x02
)

// Session key lengths for the AES_CM_128_HMAC_SHA1_80 profile.
const (
	sessionKeyLength  = 16
	sessionAuthLength = 20
	sessionSaltLength = 14
)

// MasterKeyLength and MasterSaltLength are the DTLS-SRTP export sizes.
const (
	MasterKeyLength  = 16
	MasterSaltLength = 14
)

// deriveKey runs the AES-CM PRF: the label is XORed into the master
// salt at the key-id position, the result shifted left 16 bits forms
// the initial counter, and the keystream is the derived key. The key
// derivation rate is zero, so the packet index never enters the IV.
func deriveKey(masterKey, masterSalt []byte, label byte, length int) ([]byte, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, fmt.Errorf("srtp: master key must be %d bytes, got %d", MasterKeyLength, len(masterKey))
	}
	if len(masterSalt) != MasterSaltLength {
		return nil, fmt.Errorf("srtp: master salt must be %d bytes, got %d", MasterSaltLength, len(masterSalt))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("srtp: derive key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, masterSalt)
	iv[7] ^= label

	out := make([]byte, length)
	cipher.NewCTR(block, iv).XORKeyStream(out, out)
	return out, nil
}

// SessionKeys holds one direction's derived keys.
type SessionKeys struct {
	EncKey  []byte
	AuthKey []byte
	Salt    []byte
}

// DeriveSessionKeys expands a master key and salt into the session
// encryption key, authentication key, and session salt.
func DeriveSessionKeys(masterKey, masterSalt []byte) (*SessionKeys, error) {
	encKey, err := deriveKey(masterKey, masterSalt, labelEncryption, sessionKeyLength)
	if err != nil {
		return nil, err
	}
	authKey, err := deriveKey(masterKey, masterSalt, labelAuth, sessionAuthLength)
	if err != nil {
		return nil, err
	}
	salt, err := deriveKey(masterKey, masterSalt, labelSalt, sessionSaltLength)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{EncKey: encKey, AuthKey: authKey, Salt: salt}, nil
}
