// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// Vault is a flat store of named, sealed blobs.
type Vault interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Delete(name string) error
	Close() error
}

// FileVault seals each blob with XChaCha20-Poly1305 and stores it as one
// file in a directory. The blob name is bound as additional data so blobs
// cannot be swapped between names.
type FileVault struct {
	dir  string
	aead cipher.AEAD
}

// NewFileVault opens the vault in dir with the key stored in keyFile. A
// missing key file is created with a fresh random key.
func NewFileVault(dir, keyFile string) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	return &FileVault{dir: dir, aead: aead}, nil
}

func loadKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate vault key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write vault key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func (fv *FileVault) blobPath(name string) string {
	return filepath.Join(fv.dir, hex.EncodeToString([]byte(name))+".blob")
}

// Read opens the blob stored under name.
func (fv *FileVault) Read(name string) ([]byte, error) {
	sealed, err := os.ReadFile(fv.blobPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	ns := fv.aead.NonceSize()
	if len(sealed) < ns+fv.aead.Overhead() {
		return nil, fmt.Errorf("read %q: blob too short", name)
	}
	data, err := fv.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}

// Write seals data and stores it under name.
func (fv *FileVault) Write(name string, data []byte) error {
	nonce := make([]byte, fv.aead.NonceSize(), fv.aead.NonceSize()+len(data)+fv.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	sealed := fv.aead.Seal(nonce, nonce, data, []byte(name))

	path := fv.blobPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (fv *FileVault) Delete(name string) error {
	err := os.Remove(fv.blobPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

func (fv *FileVault) Close() error { return nil }
