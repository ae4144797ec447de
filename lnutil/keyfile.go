package lnutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/howeyc/gopass"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// ReadKeyFile returns the 32 byte root key from the file at the given path.
// If the file doesn't exist it generates a fresh key and writes it out in
// hex.  Plaintext key files are a single hex line; encrypted files carry an
// "enc:" prefix followed by hex salt and ciphertext.
func ReadKeyFile(filename string) (*[32]byte, error) {
	key := new([32]byte)

	data, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		// no key file, make one
		_, err = rand.Read(key[:])
		if err != nil {
			return nil, err
		}
		err = ioutil.WriteFile(
			filename, []byte(hex.EncodeToString(key[:])+"\n"), 0600)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "enc:") {
		return decryptKey(text[4:])
	}

	keySlice, err := hex.DecodeString(text)
	if err != nil {
		return nil, err
	}
	if len(keySlice) != 32 {
		return nil, fmt.Errorf("key file %s is %d bytes, expect 32",
			filename, len(keySlice))
	}
	copy(key[:], keySlice)
	return key, nil
}

// keySaltLen prefixes every sealed key blob with this much pbkdf2 salt.
const keySaltLen = 16

// EncryptKeyFile rewrites the key file sealed under a passphrase prompted
// from the terminal, and returns the key so startup can continue.
func EncryptKeyFile(filename string) (*[32]byte, error) {
	key, err := ReadKeyFile(filename)
	if err != nil {
		return nil, err
	}

	fmt.Printf("passphrase: ")
	pass, err := gopass.GetPasswd()
	if err != nil {
		return nil, err
	}
	blob, err := sealKey(key, pass)
	if err != nil {
		return nil, err
	}

	out := "enc:" + hex.EncodeToString(blob)
	if err := ioutil.WriteFile(filename, []byte(out+"\n"), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func decryptKey(hexBlob string) (*[32]byte, error) {
	blob, err := hex.DecodeString(hexBlob)
	if err != nil {
		return nil, err
	}
	fmt.Printf("passphrase: ")
	pass, err := gopass.GetPasswd()
	if err != nil {
		return nil, err
	}
	return openKey(blob, pass)
}

func sealKey(key *[32]byte, pass []byte) ([]byte, error) {
	var salt [keySaltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(passKey(pass, salt[:]))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	sealed := aead.Seal(nil, nonce, key[:], nil)
	return append(salt[:], sealed...), nil
}

func openKey(blob, pass []byte) (*[32]byte, error) {
	if len(blob) < keySaltLen {
		return nil, fmt.Errorf("encrypted key blob too short (%d bytes)", len(blob))
	}
	aead, err := chacha20poly1305.New(passKey(pass, blob[:keySaltLen]))
	if err != nil {
		return nil, err
	}
	if len(blob)-keySaltLen < aead.Overhead() {
		return nil, fmt.Errorf("encrypted key blob too short (%d bytes)", len(blob))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	keySlice, err := aead.Open(nil, nonce, blob[keySaltLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase")
	}
	if len(keySlice) != 32 {
		return nil, fmt.Errorf("sealed key is %d bytes, expect 32", len(keySlice))
	}
	key := new([32]byte)
	copy(key[:], keySlice)
	return key, nil
}

func passKey(pass, salt []byte) []byte {
	return pbkdf2.Key(pass, salt, 4096, 32, sha256.New)
}
