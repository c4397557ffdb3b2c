package filestore

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	SALT_LENGTH          int = 16
	AES_KEY_LENGTH       int = 32
	AES_GCM_NONCE_LENGTH int = 12
)

// argon2id parameters
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
)

var errCiphertextTooShort = errors.New("error decrypting data: ciphertext is too short")

func ensureDir(dirName string, mode os.FileMode) error {
	err := os.MkdirAll(dirName, mode)
	if err != nil {
		log.Error().Err(err).Msg("Error making directory")
		return err
	}
	return nil
}

type Prompter interface {
	PromptForData(prompt string) (data string, err error)
}

// PasswordPrompter reads a password from the controlling terminal without
// echoing it.
type PasswordPrompter struct{}

func (prompter *PasswordPrompter) PromptForData(prompt string) (data string, err error) {
	fmt.Fprint(os.Stderr, prompt)
	pwd, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func randomBytes(random io.Reader, length int) ([]byte, error) {
	data := make([]byte, length)
	if _, err := io.ReadFull(random, data); err != nil {
		return nil, err
	}
	return data, nil
}

// deriveKey stretches the password with argon2id and seals the result in a
// memguard enclave. The intermediate key buffer is wiped.
func deriveKey(password, salt []byte) *memguard.Enclave {
	key := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, uint32(AES_KEY_LENGTH))
	return memguard.NewEnclave(key)
}

func newGCM(key *memguard.Enclave) (cipher.AEAD, error) {
	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("open encryption key: %w", err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("initialize encryption key: %w", err)
	}
	return cipher.NewGCM(block)
}

func encryptWithKey(key *memguard.Enclave, random io.Reader, plaintext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		log.Error().Err(err).Msg("Error encrypting data: could not create AES GCM")
		return nil, err
	}

	nonce, err := randomBytes(random, AES_GCM_NONCE_LENGTH)
	if err != nil {
		log.Error().Err(err).Msg("Error encrypting data: could not generate random nonce")
		return nil, err
	}

	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

func decryptWithKey(key *memguard.Enclave, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < AES_GCM_NONCE_LENGTH {
		return nil, errCiphertextTooShort
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		log.Error().Err(err).Msg("Error decrypting data: could not create AES GCM")
		return nil, err
	}

	nonce := ciphertext[:AES_GCM_NONCE_LENGTH]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext[AES_GCM_NONCE_LENGTH:], nil)
	if err != nil {
		return nil, fmt.Errorf("error decrypting data: %w", err)
	}
	return plaintext, nil
}
