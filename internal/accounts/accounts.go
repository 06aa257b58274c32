// Package accounts loads statically configured logins from a YAML file:
//
//	status:
//	  name: status
//	  password: s3cret
//	users:
//	  - name: alice
//	    password: hunter2
//	    privs: "*"
//	    max_channels: 4
package accounts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/privs"
)

// ErrUnknownUser is returned by File.User for names not in the file.
var ErrUnknownUser = errors.New("unknown user")

// Entry is one user in the file.
type Entry struct {
	Name        string `yaml:"name"`
	Password    string `yaml:"password"`
	Privs       string `yaml:"privs"`
	MaxChannels int    `yaml:"max_channels"`
}

// Status is the query-only login.
type Status struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type document struct {
	Status *Status `yaml:"status"`
	Users  []Entry `yaml:"users"`
}

// File is a parsed account file.
type File struct {
	status *Status
	users  map[string]Entry
}

// Load reads and validates an account file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("module", "accounts").Str("path", path).Int("users", len(f.users)).Bool("status_user", f.status != nil).Msg("accounts loaded")
	return f, nil
}

// Parse decodes an account file from memory.
func Parse(data []byte) (*File, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	f := &File{users: make(map[string]Entry, len(doc.Users))}
	for i, e := range doc.Users {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("user %d: name is required", i)
		}
		if e.MaxChannels < 0 {
			return nil, fmt.Errorf("user %s: max_channels must be non-negative", e.Name)
		}
		if _, unknown := privs.Parse(e.Privs); len(unknown) > 0 {
			return nil, fmt.Errorf("user %s: unknown privilege letters %q", e.Name, unknown)
		}
		key := strings.ToLower(e.Name)
		if _, dup := f.users[key]; dup {
			return nil, fmt.Errorf("user %s: listed twice", e.Name)
		}
		f.users[key] = e
	}
	if doc.Status != nil {
		if strings.TrimSpace(doc.Status.Name) == "" {
			return nil, fmt.Errorf("status: name is required")
		}
		f.status = doc.Status
	}
	return f, nil
}

// User returns the entry for name, matched case-insensitively.
func (f *File) User(name string) (Entry, error) {
	e, ok := f.users[strings.ToLower(name)]
	if !ok {
		return Entry{}, ErrUnknownUser
	}
	return e, nil
}

// Len is the number of regular users.
func (f *File) Len() int { return len(f.users) }

// LookupUser resolves a login. The secret is derived from the name as the
// client presented it. The status user takes precedence over a regular
// entry with the same name.
func (f *File) LookupUser(_ context.Context, username, _ string) (core.Account, error) {
	if f.status != nil && strings.EqualFold(f.status.Name, username) {
		return core.Account{
			Valid:  true,
			Secret: core.PasswordSecret(username, f.status.Password),
			Status: true,
		}, nil
	}
	e, err := f.User(username)
	if err != nil {
		return core.Account{}, nil
	}
	p, _ := privs.Parse(e.Privs)
	return core.Account{
		Valid:       true,
		Secret:      core.PasswordSecret(username, e.Password),
		Privs:       p,
		MaxChannels: e.MaxChannels,
	}, nil
}
