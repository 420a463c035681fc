package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a signer keystore passphrase. It tries, in order, the
// environment variable, a file named by <envVar>_FILE, and a terminal prompt.
// The first result is cached.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error
}

func NewSource(envVar, prompt string) *Source {
	if prompt == "" {
		prompt = "Enter signer keystore passphrase: "
	}
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			return nonBlank(value, s.envVar+" is set but empty")
		}
		if path, ok := os.LookupEnv(s.envVar + "_FILE"); ok {
			raw, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				return "", fmt.Errorf("read %s_FILE: %w", s.envVar, err)
			}
			return nonBlank(strings.TrimRight(string(raw), "\r\n"), s.envVar+"_FILE points at an empty file")
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s, %s_FILE or run interactively", s.envVar, s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, s.prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return nonBlank(string(raw), "keystore passphrase cannot be empty")
}

func nonBlank(value, msg string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.New(msg)
	}
	return value, nil
}
