// Package secrets resolves operator credentials from the environment or an
// interactive terminal prompt.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves one credential from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	label  string
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a credential source that checks envVar before
// interactively prompting on the terminal. The label names the credential in
// prompts and errors.
func NewSource(label, envVar string) *Source {
	return &Source{label: strings.TrimSpace(label), envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached credential or resolves it on the first call. When
// the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr so the secret never lands in shell history.
// Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
				return
			}
			s.err = errors.New(s.label + " required and no terminal available")
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s: ", s.label)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.label, err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.label)
			return
		}
		s.value = string(raw)
	})

	return s.value, s.err
}
