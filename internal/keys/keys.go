// Package keys manages per-project RSA signing keypairs under the state
// directory, generated on first use.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// bits is the RSA key size for generated project keys.
const bits = 4096

// Registry loads and generates project keypairs rooted at
// <state_dir>/keys/<connection>/<project>.pem.
type Registry struct {
	mu   sync.Mutex
	root string

	// cache avoids re-parsing PEM files within one process
	cache map[string]*rsa.PrivateKey
}

// NewRegistry returns a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		root:  dir,
		cache: make(map[string]*rsa.PrivateKey),
	}
}

// PrivateKey returns the project's private key, generating and persisting
// a new one on first use.
func (r *Registry) PrivateKey(connection, project string) (*rsa.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cacheKey := connection + "/" + project
	if key, ok := r.cache[cacheKey]; ok {
		return key, nil
	}

	path := filepath.Join(r.root, connection, project+".pem")
	if data, err := os.ReadFile(path); err == nil {
		key, err := parsePEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", path, err)
		}
		r.cache[cacheKey] = key
		return key, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", cacheKey, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing key %s: %w", path, err)
	}
	r.cache[cacheKey] = key
	return key, nil
}

// PublicPEM returns the project's public key in PEM form.
func (r *Registry) PublicPEM(connection, project string) ([]byte, error) {
	key, err := r.PrivateKey(connection, project)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func parsePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
