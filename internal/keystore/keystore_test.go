package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/remoteunlock/internal/apperr"
)

func encodePublicKeyPEM(t *testing.T, pub interface{}) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemBytes := encodePublicKeyPEM(t, &priv.PublicKey)

	require.NoError(t, s.Save("id-1", pemBytes))

	loaded, err := s.Load("id-1")
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(loaded))
}

func TestStore_LoadMissingIsPubkeyNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPubkeyNotFound, apperr.KindOf(err))
}

func TestStore_SaveRejectsNonP256Curve(t *testing.T) {
	s := New(t.TempDir())

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	pemBytes := encodePublicKeyPEM(t, &priv.PublicKey)

	err = s.Save("id-2", pemBytes)
	require.Error(t, err)
	assert.Equal(t, apperr.KindKeyMalformed, apperr.KindOf(err))
}

func TestStore_SaveRejectsGarbagePEM(t *testing.T) {
	s := New(t.TempDir())
	err := s.Save("id-3", []byte("not a pem at all"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindKeyMalformed, apperr.KindOf(err))
}

func TestStore_List(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemBytes := encodePublicKeyPEM(t, &priv.PublicKey)

	require.NoError(t, s.Save("alice", pemBytes))
	require.NoError(t, s.Save("bob", pemBytes))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
}
