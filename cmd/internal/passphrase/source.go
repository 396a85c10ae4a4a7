// Package passphrase resolves keystore passphrases for the daemons.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrUnavailable is returned when no passphrase is configured and stdin is not
// a terminal.
var ErrUnavailable = errors.New("passphrase: not configured and no terminal available")

// Source resolves a passphrase from an environment variable or an interactive
// prompt. The first result, success or failure, is cached.
type Source struct {
	envVar string
	prompt string
	lookup func(string) (string, bool)
	read   func() ([]byte, bool, error)

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithPrompt replaces the text shown before reading from the terminal.
func WithPrompt(prompt string) Option {
	return func(s *Source) { s.prompt = prompt }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Source) {
		if lookup != nil {
			s.lookup = lookup
		}
	}
}

// NewSource checks envVar before prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: "Enter validator keystore passphrase: ",
		lookup: os.LookupEnv,
		read:   readTerminal,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. An environment value is used verbatim; blank
// passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("passphrase: %s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	fmt.Fprint(os.Stderr, s.prompt)
	raw, interactive, err := s.read()
	if !interactive {
		if s.envVar != "" {
			return "", fmt.Errorf("%w: set %s", ErrUnavailable, s.envVar)
		}
		return "", ErrUnavailable
	}
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("passphrase: read: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("passphrase: empty passphrase")
	}
	return string(raw), nil
}

func readTerminal() ([]byte, bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, false, nil
	}
	raw, err := term.ReadPassword(fd)
	return raw, true, err
}
