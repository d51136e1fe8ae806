// Package secrets_age decrypts the runner's secrets file with age.
//
// The secrets file is an age-encrypted env file (KEY=VALUE per line,
// blank lines and # comments allowed), encrypted to the recipient of
// the identity configured alongside it. Both the binary and the
// armored age formats are accepted.
package secrets_age

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Source implements domain.SecretSource on top of two files: the
// encrypted secrets and the age identity that opens them.
type Source struct {
	file     string
	identity string
}

func New(file, identity string) *Source {
	return &Source{file: file, identity: identity}
}

func (s *Source) Secrets(ctx context.Context) (map[string]string, error) {
	if s.file == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.identity == "" {
		return nil, fmt.Errorf("secrets file %s configured without an identity file", s.file)
	}

	identities, err := s.loadIdentities()
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(s.file)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(src)
	}

	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", s.file, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted secrets: %w", err)
	}

	secrets, err := parseEnv(plaintext)
	if err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", s.file, err)
	}
	return secrets, nil
}

func (s *Source) loadIdentities() ([]age.Identity, error) {
	b, err := os.ReadFile(s.identity)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", s.identity, err)
	}
	return identities, nil
}

// parseEnv reads KEY=VALUE lines. Blank lines and # comments are
// skipped; anything else without an = is a malformed file, reported
// with its line number.
func parseEnv(data []byte) (map[string]string, error) {
	out := make(map[string]string)

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", i+1)
		}
		out[name] = value
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
