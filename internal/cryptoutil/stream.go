package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sio"
)

const (
	configMagic = "LBD1"
	configVer   = uint16(1)
	headerSize  = len(configMagic) + 2
	nonceSize   = 12
)

// EncryptWriter returns a streaming writer sealing everything written to it
// in DARE packages (sio). Close must be called to flush the last package.
func EncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	return sio.EncryptWriter(w, sio.Config{Key: key, MinVersion: sio.Version20})
}

// DecryptReader returns a streaming reader opening DARE packages. A wrong
// key or a tampered stream surfaces as a Read error.
func DecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.DecryptReader(r, sio.Config{Key: key, MinVersion: sio.Version20})
}

func configAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func configHeader() []byte {
	h := make([]byte, headerSize)
	copy(h, configMagic)
	binary.BigEndian.PutUint16(h[len(configMagic):], configVer)
	return h
}

// EncryptConfig seals a config file as magic, version, nonce and AES-GCM
// ciphertext. The header is authenticated along with the payload.
func EncryptConfig(plain []byte, key []byte) ([]byte, error) {
	aead, err := configAEAD(key)
	if err != nil {
		return nil, err
	}
	header := configHeader()
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+nonceSize+len(plain)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, header), nil
}

// DecryptConfig opens a payload written by EncryptConfig.
func DecryptConfig(ciphertext []byte, key []byte) ([]byte, error) {
	if len(ciphertext) < headerSize+nonceSize {
		return nil, errors.New("config cipher too short")
	}
	header := ciphertext[:headerSize]
	if string(header[:len(configMagic)]) != configMagic {
		return nil, errors.New("invalid config header")
	}
	if ver := binary.BigEndian.Uint16(header[len(configMagic):]); ver != configVer {
		return nil, fmt.Errorf("unsupported config version %d", ver)
	}
	aead, err := configAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[headerSize : headerSize+nonceSize]
	plain, err := aead.Open(nil, nonce, ciphertext[headerSize+nonceSize:], header)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return plain, nil
}
