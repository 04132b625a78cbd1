// Package archive persists snapshot manifests as objects in the store
// itself, under a reserved prefix outside every user root. A manifest
// is the snapshot's pinned entry set in durable form: losing the
// metadata database no longer loses the ability to know what a
// snapshot contained.
//
// Object wire format: 4-byte big-endian header length | header JSON |
// body (zstd-compressed manifest JSON, encrypted or plain).
package archive

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	Magic   = "FVMAN"
	Version = 1

	// KeySize is the master and per-object key size.
	KeySize = 32
	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = 24

	maxHeaderLen = 1 << 20
)

// CryptoEnv carries the encryption envelope in the header. Empty when
// the manifest is stored in plaintext.
type CryptoEnv struct {
	NonceHex   string `json:"nonce,omitempty"`
	WrappedKey string `json:"wrapped_key,omitempty"`
}

// Header describes a stored manifest object.
type Header struct {
	Magic      string    `json:"magic"`
	Version    int       `json:"version"`
	SnapshotID string    `json:"snapshot_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  float64   `json:"created_at"`
	Crypto     CryptoEnv `json:"crypto,omitempty"`
}

// Entry is one pinned object version inside a manifest.
type Entry struct {
	Key         string `json:"key"`
	VersionID   string `json:"version_id"`
	ContentType string `json:"content_type,omitempty"`
	Directory   bool   `json:"directory,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Manifest is the durable form of a snapshot.
type Manifest struct {
	SnapshotID string  `json:"snapshot_id"`
	UserID     string  `json:"user_id"`
	FolderID   string  `json:"folder_id"`
	FolderPath string  `json:"folder_path"`
	CreatedAt  float64 `json:"created_at"`
	Entries    []Entry `json:"entries"`
}

// Encode builds a full manifest object. A nil masterKey stores the
// body in plaintext; otherwise the body is sealed with a random
// per-object key that is itself wrapped with masterKey, and the header
// bytes are bound as AEAD associated data.
func Encode(m *Manifest, masterKey []byte) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	body := compress(payload)

	h := Header{
		Magic:      Magic,
		Version:    Version,
		SnapshotID: m.SnapshotID,
		UserID:     m.UserID,
		CreatedAt:  m.CreatedAt,
	}

	if len(masterKey) == 0 {
		headerBytes, err := json.Marshal(&h)
		if err != nil {
			return nil, err
		}
		return frame(headerBytes, body), nil
	}
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}

	objKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, objKey); err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	wrapped, err := wrapKey(masterKey, objKey)
	if err != nil {
		return nil, err
	}
	h.Crypto = CryptoEnv{
		NonceHex:   hex.EncodeToString(nonce),
		WrappedKey: hex.EncodeToString(wrapped),
	}
	headerBytes, err := json.Marshal(&h)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	return frame(headerBytes, aead.Seal(nil, nonce, body, headerBytes)), nil
}

// Decode parses and, when needed, decrypts a manifest object.
func Decode(raw []byte, masterKey []byte) (*Manifest, error) {
	h, body, err := split(raw)
	if err != nil {
		return nil, err
	}

	if h.Crypto.NonceHex != "" || h.Crypto.WrappedKey != "" {
		body, err = open(h, body, masterKey)
		if err != nil {
			return nil, err
		}
	}

	payload, err := decompress(body)
	if err != nil {
		return nil, fmt.Errorf("decompress manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func frame(header, body []byte) []byte {
	buf := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, body...)
}

func split(raw []byte) (*Header, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("object too short")
	}
	headerLen := binary.BigEndian.Uint32(raw[:4])
	if headerLen > maxHeaderLen {
		return nil, nil, fmt.Errorf("header too long")
	}
	if len(raw) < 4+int(headerLen) {
		return nil, nil, fmt.Errorf("truncated object")
	}
	headerBytes := raw[4 : 4+headerLen]

	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}
	if h.Magic != Magic || h.Version != Version {
		return nil, nil, fmt.Errorf("invalid magic/version")
	}
	return &h, raw[4+headerLen:], nil
}

func open(h *Header, body, masterKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("manifest is encrypted and no %d-byte master key is configured", KeySize)
	}
	nonce, err := hex.DecodeString(h.Crypto.NonceHex)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	wrapped, err := hex.DecodeString(h.Crypto.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("wrapped key: %w", err)
	}
	objKey, err := unwrapKey(masterKey, wrapped)
	if err != nil {
		return nil, err
	}
	// The header bytes are the AAD, so they must round-trip exactly.
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(objKey)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, body, headerBytes)
	if err != nil {
		return nil, fmt.Errorf("decrypt manifest: %w", err)
	}
	return plain, nil
}

// wrapKey wraps objKey with masterKey. Returns nonce|sealed.
func wrapKey(masterKey, objKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, objKey, nil)...), nil
}

func unwrapKey(masterKey, wrapped []byte) ([]byte, error) {
	if len(wrapped) < NonceSize+KeySize+16 {
		return nil, fmt.Errorf("wrapped key too short")
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	objKey, err := aead.Open(nil, wrapped[:NonceSize], wrapped[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	if len(objKey) != KeySize {
		return nil, fmt.Errorf("unwrapped key wrong size")
	}
	return objKey, nil
}

func compress(data []byte) []byte {
	enc, _ := zstd.NewWriter(nil)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
