package authz

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/remoteunlock/internal/codebuffer"
	"github.com/ocx/remoteunlock/internal/effector"
	"github.com/ocx/remoteunlock/internal/events"
	"github.com/ocx/remoteunlock/internal/keystore"
	"github.com/ocx/remoteunlock/internal/nonceledger"
	"github.com/ocx/remoteunlock/internal/wire"
)

type harness struct {
	engine *Engine
	codes  *codebuffer.Buffer
	eff    *effector.RecorderEffector
	priv   *ecdsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := keystore.New(t.TempDir())
	codes := codebuffer.NewBuffer()
	ledger := nonceledger.New(t.TempDir())
	eff := &effector.RecorderEffector{}
	bus := events.NewLocalBus()

	return &harness{
		engine: New(keys, codes, ledger, eff, bus, nil),
		codes:  codes,
		eff:    eff,
	}
}

func pubkeyPEM(t *testing.T, priv *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// enroll drives BeginEnroll + Enroll end to end and returns the minted
// identity plus the private key bound to it.
func (h *harness) enroll(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()

	_, code, err := h.engine.BeginEnroll()
	require.NoError(t, err)
	require.NoError(t, h.codes.Insert(code))

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	body, err := json.Marshal(enrollRequest{Code: code.Digits, PubkeyPEM: pubkeyPEM(t, priv)})
	require.NoError(t, err)

	resp := h.engine.Enroll(&wire.Request{Method: "POST", Path: "/enroll", Body: body})
	require.Equal(t, 200, resp.Status)

	var out enrollResponse
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.NotEmpty(t, out.ID)

	return out.ID, priv
}

func signedUnlockRequest(t *testing.T, priv *ecdsa.PrivateKey, id, nonce string) *wire.Request {
	t.Helper()

	body, err := json.Marshal(unlockRequest{ID: id, Nonce: json.Number(nonce)})
	require.NoError(t, err)

	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	return &wire.Request{
		Method: "POST",
		Path:   "/unlock",
		Body:   body,
		Headers: []wire.Header{
			{Name: signatureHeader, Value: base64.StdEncoding.EncodeToString(sig)},
		},
	}
}

func TestEnroll_HappyPath(t *testing.T) {
	h := newHarness(t)
	id, _ := h.enroll(t)
	assert.NotEmpty(t, id)
}

func TestEnroll_CodeReplayRejected(t *testing.T) {
	h := newHarness(t)

	_, code, err := h.engine.BeginEnroll()
	require.NoError(t, err)
	require.NoError(t, h.codes.Insert(code))

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	body, err := json.Marshal(enrollRequest{Code: code.Digits, PubkeyPEM: pubkeyPEM(t, priv)})
	require.NoError(t, err)

	first := h.engine.Enroll(&wire.Request{Method: "POST", Path: "/enroll", Body: body})
	require.Equal(t, 200, first.Status)

	second := h.engine.Enroll(&wire.Request{Method: "POST", Path: "/enroll", Body: body})
	assert.Equal(t, 403, second.Status)
}

func TestEnroll_UnknownCodeRejected(t *testing.T) {
	h := newHarness(t)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	body, err := json.Marshal(enrollRequest{Code: 123456, PubkeyPEM: pubkeyPEM(t, priv)})
	require.NoError(t, err)

	resp := h.engine.Enroll(&wire.Request{Method: "POST", Path: "/enroll", Body: body})
	assert.Equal(t, 403, resp.Status)
}

func TestEnroll_MalformedBodyIsBadRequest(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Enroll(&wire.Request{Method: "POST", Path: "/enroll", Body: []byte("{not json")})
	assert.Equal(t, 400, resp.Status)
}

func TestUnlock_FirstTimeAccepted(t *testing.T) {
	h := newHarness(t)
	id, priv := h.enroll(t)

	req := signedUnlockRequest(t, priv, id, "42")
	resp, hook := h.engine.Unlock(context.Background(), req)

	require.Equal(t, 200, resp.Status)
	require.NotNil(t, hook)
	hook()

	assert.Equal(t, 1, h.eff.Calls)
}

func TestUnlock_ReplayRejected(t *testing.T) {
	h := newHarness(t)
	id, priv := h.enroll(t)

	req := signedUnlockRequest(t, priv, id, "42")
	resp, hook := h.engine.Unlock(context.Background(), req)
	require.Equal(t, 200, resp.Status)
	hook()

	replay := signedUnlockRequest(t, priv, id, "42")
	resp2, hook2 := h.engine.Unlock(context.Background(), replay)
	assert.Equal(t, 403, resp2.Status)
	if hook2 != nil {
		hook2()
	}
	assert.Equal(t, 1, h.eff.Calls, "effector must not run again on a rejected replay")
}

func TestUnlock_BoundaryScenario(t *testing.T) {
	h := newHarness(t)
	id, priv := h.enroll(t)

	accept := func(nonce string) int {
		req := signedUnlockRequest(t, priv, id, nonce)
		resp, hook := h.engine.Unlock(context.Background(), req)
		if hook != nil {
			hook()
		}
		return resp.Status
	}

	require.Equal(t, 200, accept("42"))
	assert.Equal(t, 403, accept("42"), "replaying 42 after it was committed must be rejected")
	assert.Equal(t, 200, accept("43"), "43 meets the new floor exactly")
	assert.Equal(t, 200, accept("44"), "44 is still acceptable after 43 advances the floor")
}

func TestUnlock_MissingKeyIsNotFound(t *testing.T) {
	h := newHarness(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req := signedUnlockRequest(t, priv, "no-such-identity", "1")
	resp, hook := h.engine.Unlock(context.Background(), req)
	assert.Equal(t, 404, resp.Status)
	if hook != nil {
		hook()
	}
	assert.Equal(t, 0, h.eff.Calls)
}

func TestUnlock_MalformedBodyIsBadRequest(t *testing.T) {
	h := newHarness(t)
	resp, hook := h.engine.Unlock(context.Background(), &wire.Request{Method: "POST", Path: "/unlock", Body: []byte("{bad")})
	assert.Equal(t, 400, resp.Status)
	assert.Nil(t, hook)
}

func TestUnlock_TamperedBodyFailsSignature(t *testing.T) {
	h := newHarness(t)
	id, priv := h.enroll(t)

	req := signedUnlockRequest(t, priv, id, "42")
	req.Body = []byte(`{"id":"` + id + `","nonce":9999}`)

	resp, hook := h.engine.Unlock(context.Background(), req)
	assert.Equal(t, 403, resp.Status)
	if hook != nil {
		hook()
	}
	assert.Equal(t, 0, h.eff.Calls)
}

func TestNotFound(t *testing.T) {
	resp := NotFound()
	assert.Equal(t, 404, resp.Status)
}
