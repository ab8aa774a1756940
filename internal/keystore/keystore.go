// Package keystore persists and loads the ECDSA P-256 public keys bound
// to enrollment identities (C2).
package keystore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocx/remoteunlock/internal/apperr"
)

// Store persists public keys under a directory, one PEM file per
// enrollment id named "<id>.pub".
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".pub")
}

// Save decodes pemBytes as a PEM-wrapped SubjectPublicKeyInfo and
// writes the canonical re-encoding to "<id>.pub". It rejects anything
// that isn't a PKIX-encoded ECDSA P-256 key under the "PUBLIC KEY"
// label.
func (s *Store) Save(id string, pemBytes []byte) error {
	pub, err := decodePublicKey(pemBytes)
	if err != nil {
		return err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return apperr.New("keystore.Save", apperr.KindKeyMalformed, err)
	}
	canonical := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	if err := os.WriteFile(s.path(id), canonical, 0o600); err != nil {
		return apperr.New("keystore.Save", apperr.KindServer, err)
	}
	return nil
}

// Load reads "<id>.pub" and returns the verifying key handle.
func (s *Store) Load(id string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New("keystore.Load", apperr.KindPubkeyNotFound, err)
		}
		return nil, apperr.New("keystore.Load", apperr.KindServer, err)
	}

	pub, err := decodePublicKey(data)
	if err != nil {
		return nil, apperr.New("keystore.Load", apperr.KindKeyMalformed, err)
	}
	return pub, nil
}

// List enumerates the bound enrollment ids (the "<id>" stem of each
// "*.pub" file). No route or admin endpoint calls it. Read-only — it adds no new
// mutation path, so it does not amount to revocation beyond the
// existing "delete the key file" mechanism.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.New("keystore.List", apperr.KindServer, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".pub" {
			ids = append(ids, name[:len(name)-len(".pub")])
		}
	}
	return ids, nil
}

func decodePublicKey(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apperr.New("keystore.decodePublicKey", apperr.KindKeyMalformed, fmt.Errorf("no PEM block found"))
	}
	if block.Type != "PUBLIC KEY" {
		return nil, apperr.New("keystore.decodePublicKey", apperr.KindKeyMalformed, fmt.Errorf("unexpected PEM label %q", block.Type))
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apperr.New("keystore.decodePublicKey", apperr.KindKeyMalformed, err)
	}

	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, apperr.New("keystore.decodePublicKey", apperr.KindKeyMalformed, fmt.Errorf("key is not ECDSA"))
	}
	if ecPub.Curve.Params().Name != "P-256" {
		return nil, apperr.New("keystore.decodePublicKey", apperr.KindKeyMalformed, fmt.Errorf("unsupported curve %q", ecPub.Curve.Params().Name))
	}
	return ecPub, nil
}
