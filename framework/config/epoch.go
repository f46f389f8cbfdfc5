/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Epoch tracks which generation of on-disk configuration a running process
// has loaded. Every successful (re)load computes a fingerprint over the
// sorted (path, content) pairs of the files the caller passes to Advance -
// outflowd passes its main config file plus every policy_file entry; files
// pulled in via "import" are not fingerprinted unless the caller lists them -
// and bumps Generation when the fingerprint changes. Code that caches
// epoch-scoped state (compiled policy tables, throttle scopes) compares its
// cached Generation against Current() to decide whether to recompute.
type Epoch struct {
	mu         sync.RWMutex
	generation uint64
	fingerprint string
}

// NewEpoch returns an Epoch with Generation 0 and an empty fingerprint, so
// the first Advance call always reports a change.
func NewEpoch() *Epoch {
	return &Epoch{}
}

// Fingerprint hashes the sorted (path, content) pairs of files into a single
// hex-encoded SHA-256 digest.
func Fingerprint(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			return "", err
		}
		h.Write([]byte(abs))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Advance recomputes the fingerprint over paths and bumps Generation if it
// differs from the last one observed. It returns the resulting generation
// and whether it changed.
func (e *Epoch) Advance(paths []string) (generation uint64, changed bool, err error) {
	fp, err := Fingerprint(paths)
	if err != nil {
		return 0, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if fp == e.fingerprint && e.generation != 0 {
		return e.generation, false, nil
	}

	e.generation++
	e.fingerprint = fp
	return e.generation, true, nil
}

// Current returns the last generation recorded by Advance.
func (e *Epoch) Current() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}
