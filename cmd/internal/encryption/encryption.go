package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"
)

// suffix is appended to the object key of encrypted artifacts
const suffix = ".aes"

// Encrypter is used to encrypt/decrypt backup artifacts while they are streamed
type Encrypter struct {
	key string
	log *slog.Logger
}

type EncrypterConfig struct {
	Key string
}

// New creates a new Encrypter with the given key.
// The key should be 32 bytes (AES-256)
func New(log *slog.Logger, config *EncrypterConfig) (*Encrypter, error) {
	if config == nil {
		return nil, fmt.Errorf("encrypter requires a config")
	}
	if len(config.Key) != 32 {
		return nil, fmt.Errorf("key length: %d invalid, must be 32 bytes", len(config.Key))
	}
	if !isASCII(config.Key) {
		return nil, fmt.Errorf("key must only contain ascii characters")
	}

	return &Encrypter{
		log: log,
		key: config.Key,
	}, nil
}

// Encrypt writes a random iv followed by the CTR encrypted input to the output
func (e *Encrypter) Encrypt(inputReader io.Reader, outputWriter io.Writer) (int64, error) {
	block, err := e.createCipher()
	if err != nil {
		return 0, err
	}

	iv, err := generateIV(block)
	if err != nil {
		return 0, err
	}

	if _, err := outputWriter.Write(iv); err != nil {
		return 0, fmt.Errorf("could not pretext iv: %w", err)
	}

	w := &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: outputWriter}

	n, err := io.Copy(w, inputReader)
	if err != nil {
		return n, fmt.Errorf("error encrypting (%d bytes read): %w", n, err)
	}

	return n, nil
}

// Decrypt reads the iv from the input and writes the decrypted remainder to the output
func (e *Encrypter) Decrypt(inputReader io.Reader, outputWriter io.Writer) (int64, error) {
	block, err := e.createCipher()
	if err != nil {
		return 0, err
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(inputReader, iv); err != nil {
		return 0, fmt.Errorf("could not read iv: %w", err)
	}

	r := &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: inputReader}

	n, err := io.Copy(outputWriter, r)
	if err != nil {
		return n, fmt.Errorf("error decrypting (%d bytes written): %w", n, err)
	}

	return n, nil
}

// EncryptingReader returns a reader yielding the encrypted content of r.
func (e *Encrypter) EncryptingReader(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		_, err := e.Encrypt(r, pw)
		_ = pw.CloseWithError(err)
	}()

	return pr
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func (e *Encrypter) createCipher() (cipher.Block, error) {
	return aes.NewCipher([]byte(e.key))
}

// generateIV returns a unique initialization vector of the cipher block size
func generateIV(block cipher.Block) ([]byte, error) {
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// IsEncrypted tests if the given object name carries the encryption suffix
func IsEncrypted(name string) bool {
	return strings.HasSuffix(name, suffix)
}

func (e *Encrypter) Extension() string {
	return suffix
}
