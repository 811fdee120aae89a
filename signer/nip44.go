package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"nostrkit.dev/event"
)

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// conversationKey derives the NIP-44 shared secret between priv and pub
// via ECDH, then HKDF-extracts it with the fixed nip44 salt.
func conversationKey(priv *btcec.PrivateKey, pub event.PubKey) ([]byte, error) {
	pubKey, err := parseXOnly(pub)
	if err != nil {
		return nil, err
	}

	sharedX, _ := pubKey.ToECDSA().Curve.ScalarMult(pubKey.X(), pubKey.Y(), priv.Serialize())
	sharedXBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedXBytes[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, sharedXBytes, []byte(nip44Salt)), nil
}

// parseXOnly parses a 32-byte x-only key, trying both even and odd y
// parity since the x-only encoding drops that bit.
func parseXOnly(pub event.PubKey) (*btcec.PublicKey, error) {
	withPrefix := append([]byte{0x02}, pub[:]...)
	if key, err := btcec.ParsePubKey(withPrefix); err == nil {
		return key, nil
	}
	withPrefix[0] = 0x03
	key, err := btcec.ParsePubKey(withPrefix)
	if err != nil {
		return nil, errors.New("signer: invalid public key")
	}
	return key, nil
}

func getMessageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("signer: invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("signer: invalid nonce length")
	}
	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, errors.New("signer: invalid plaintext length")
	}
	padded := calcPaddedLen(n)
	result := make([]byte, 2+padded)
	binary.BigEndian.PutUint16(result[0:2], uint16(n))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, errors.New("signer: padded data too short")
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 {
		return nil, errors.New("signer: invalid padding")
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, errors.New("signer: invalid padded length")
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

func nip44Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	chachaKey, chachaNonce, hmacKey, err := getMessageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 1+32+len(ciphertext)+32)
	out[0] = nip44Version
	copy(out[1:33], nonce)
	copy(out[33:33+len(ciphertext)], ciphertext)
	copy(out[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(out), nil
}

func nip44Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", errors.New("signer: unsupported encryption version")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.New("signer: invalid base64")
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", errors.New("signer: invalid payload size")
	}

	if data[0] != nip44Version {
		return "", errors.New("signer: unknown version")
	}
	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := getMessageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", errors.New("signer: invalid MAC")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// nip04SharedSecret derives the legacy NIP-04 shared secret (the x
// coordinate of ECDH, zero-padded to 32 bytes).
func nip04SharedSecret(priv *btcec.PrivateKey, pub event.PubKey) ([]byte, error) {
	pubKey, err := parseXOnly(pub)
	if err != nil {
		return nil, err
	}
	sharedX := btcec.GenerateSharedSecret(priv, pubKey)
	if len(sharedX) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(sharedX):], sharedX)
		return padded, nil
	}
	return sharedX, nil
}

func nip04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", errors.New("signer: nip04 shared secret must be 32 bytes")
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	raw := []byte(plaintext)
	padding := aes.BlockSize - (len(raw) % aes.BlockSize)
	padded := make([]byte, len(raw)+padding)
	copy(padded, raw)
	for i := len(raw); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func nip04Decrypt(payload string, sharedSecret []byte) (string, error) {
	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("signer: invalid nip04 payload format")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("signer: invalid ciphertext base64")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("signer: invalid iv base64")
	}
	if len(iv) != 16 {
		return "", errors.New("signer: invalid iv length")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("signer: ciphertext not a multiple of block size")
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	if len(plaintext) == 0 {
		return "", errors.New("signer: empty plaintext")
	}
	padding := int(plaintext[len(plaintext)-1])
	if padding > aes.BlockSize || padding == 0 || padding > len(plaintext) {
		return "", errors.New("signer: invalid padding")
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return "", errors.New("signer: invalid padding bytes")
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}
