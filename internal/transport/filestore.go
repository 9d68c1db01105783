package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileSessionStore persists session credentials as one file per credential
// under a directory, mirroring the multi-file auth state the protocol
// providers emit.
type FileSessionStore struct {
	dir string
}

func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileSessionStore{dir: dir}, nil
}

func (s *FileSessionStore) Load(ctx context.Context) (Credentials, error) {
	_ = ctx
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, nil
		}
		return nil, err
	}
	creds := Credentials{}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			return nil, err
		}
		creds[ent.Name()] = b
	}
	return creds, nil
}

func (s *FileSessionStore) Persist(ctx context.Context, creds Credentials) error {
	_ = ctx
	for name, data := range creds {
		// Credential names come from the provider; refuse anything that
		// escapes the store directory.
		if name != filepath.Base(name) || name == "." || name == ".." {
			return errors.New("invalid credential name: " + name)
		}
		dst := filepath.Join(s.dir, name)
		tmp := dst + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return err
		}
		if err := os.Rename(tmp, dst); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	return nil
}

func (s *FileSessionStore) Clear(ctx context.Context) error {
	_ = ctx
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}
