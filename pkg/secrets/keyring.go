// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secrets holds backend API keys in locked memory.
//
// # Description
//
// Keys read from the environment at startup are moved into memguard
// enclaves so they never sit in garbage-collected heap memory for the
// lifetime of the process. Callers borrow the plaintext for the duration
// of a single request signature and the locked buffer is destroyed
// immediately after.
//
// # Thread Safety
//
// Keyring is safe for concurrent use.
package secrets

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyNotFound is returned when no key is registered under a name.
var ErrKeyNotFound = errors.New("secret key not found")

// initOnce guards one-time memguard setup.
var initOnce sync.Once

// Keyring stores named secrets in memguard enclaves.
type Keyring struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewKeyring creates an empty keyring and arms memguard's interrupt
// handler so secrets are wiped on SIGINT.
func NewKeyring() *Keyring {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
	})
	return &Keyring{enclaves: make(map[string]*memguard.Enclave)}
}

// Set seals the secret under name. The caller's copy of value is wiped.
func (k *Keyring) Set(name string, value []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	// NewEnclave wipes the source slice after sealing.
	k.enclaves[name] = memguard.NewEnclave(value)
}

// Has reports whether a secret is registered under name.
func (k *Keyring) Has(name string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.enclaves[name]
	return ok
}

// Use opens the named secret and passes the plaintext to fn. The locked
// buffer is destroyed when fn returns, so fn must not retain the slice.
func (k *Keyring) Use(name string, fn func(secret []byte) error) error {
	k.mu.RLock()
	enclave, ok := k.enclaves[name]
	k.mu.RUnlock()
	if !ok {
		return ErrKeyNotFound
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Purge wipes every secret held by the process, including this keyring's.
func Purge() {
	memguard.Purge()
}
