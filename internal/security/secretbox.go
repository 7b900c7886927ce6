package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion は暗号文先頭のバージョンバイト。
const envelopeVersion byte = 1

const (
	keySize   = 32
	nonceSize = 12
	// version + DEK用nonce + 暗号化済みDEK(鍵+GCMタグ) + データ用nonce
	headerSize = 1 + nonceSize + keySize + 16 + nonceSize
)

// kekInfo はHKDFでKEKを導出する際のコンテキスト情報。
var kekInfo = []byte("navportal credential kek v1")

var (
	// ErrMalformedCiphertext は暗号文の形式やバージョンが不正な場合に返される。
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrDecrypt は認証タグの検証に失敗した場合に返される。
	ErrDecrypt = errors.New("decrypt failed")
)

// Secret はポータルのパスワードなど平文で扱う秘密値。
// ログやJSONに出力された場合は伏せ字になる。
type Secret struct {
	value string
}

// NewSecret は平文からSecretを生成する。
func NewSecret(s string) Secret { return Secret{value: s} }

// Reveal は平文を返す。ポータルへの送信時のみ使用する。
func (s Secret) Reveal() string { return s.value }

// IsZero は値が空かどうかを返す。
func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string   { return "[REDACTED]" }
func (s Secret) GoString() string { return "security.Secret{[REDACTED]}" }

// LogValue はslogに出力される値を伏せ字にする。
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[REDACTED]") }

// SecretSealer は認証情報のエンベロープ暗号化を行う。
type SecretSealer interface {
	Seal(plain Secret) ([]byte, error)
	Open(blob []byte) (Secret, error)
}

// EnvelopeSealer はマスターキーから導出したKEKでレコードごとのDEKを包む。
// 形式: version | dekNonce | wrap(DEK) | dataNonce | seal(plain)
type EnvelopeSealer struct {
	kek  cipher.AEAD
	rand io.Reader
}

// NewEnvelopeSealer はマスターキーからKEKを導出してEnvelopeSealerを生成する。
func NewEnvelopeSealer(masterKey string) (*EnvelopeSealer, error) {
	if len(masterKey) < keySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", keySize)
	}
	kek := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, kekInfo), kek); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	return &EnvelopeSealer{kek: aead, rand: rand.Reader}, nil
}

// Seal は平文を新しいDEKで暗号化し、DEKをKEKで包んだ暗号文を返す。
func (e *EnvelopeSealer) Seal(plain Secret) ([]byte, error) {
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(e.rand, dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	dekNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(e.rand, dekNonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	dataNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(e.rand, dataNonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	data, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(plain.value)+data.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, dekNonce...)
	out = e.kek.Seal(out, dekNonce, dek, []byte{envelopeVersion})
	out = append(out, dataNonce...)
	out = data.Seal(out, dataNonce, []byte(plain.value), []byte{envelopeVersion})
	return out, nil
}

// Open は暗号文を復号する。改ざんや鍵違いの場合はErrDecryptを返す。
func (e *EnvelopeSealer) Open(blob []byte) (Secret, error) {
	if len(blob) < headerSize+16 {
		return Secret{}, ErrMalformedCiphertext
	}
	if blob[0] != envelopeVersion {
		return Secret{}, fmt.Errorf("%w: unknown version %d", ErrMalformedCiphertext, blob[0])
	}

	rest := blob[1:]
	dekNonce, rest := rest[:nonceSize], rest[nonceSize:]
	wrapped, rest := rest[:keySize+16], rest[keySize+16:]
	dataNonce, sealed := rest[:nonceSize], rest[nonceSize:]

	dek, err := e.kek.Open(nil, dekNonce, wrapped, []byte{envelopeVersion})
	if err != nil {
		return Secret{}, ErrDecrypt
	}
	data, err := newGCM(dek)
	if err != nil {
		return Secret{}, err
	}
	plain, err := data.Open(nil, dataNonce, sealed, []byte{envelopeVersion})
	if err != nil {
		return Secret{}, ErrDecrypt
	}
	return Secret{value: string(plain)}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
