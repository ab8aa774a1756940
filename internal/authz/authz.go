// Package authz implements the authorization engine (C5): route
// dispatch for the three protocol operations, wired to the key store,
// code buffer, nonce ledger, and unlock effector.
package authz

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/remoteunlock/internal/apperr"
	"github.com/ocx/remoteunlock/internal/codebuffer"
	"github.com/ocx/remoteunlock/internal/effector"
	"github.com/ocx/remoteunlock/internal/events"
	"github.com/ocx/remoteunlock/internal/keystore"
	"github.com/ocx/remoteunlock/internal/metrics"
	"github.com/ocx/remoteunlock/internal/nonceledger"
	"github.com/ocx/remoteunlock/internal/wire"
)

// maxSignatureSize is the largest decoded DER signature accepted; a
// longer one is rejected as malformed after decoding.
const maxSignatureSize = 1024

// signatureHeader is the header carrying the DER ECDSA signature, base64-encoded.
const signatureHeader = "X-RemoteUnlock-Signature"

// Engine dispatches parsed wire.Requests to the three protocol routes.
// It holds no connection state — one Engine serves every connection.
type Engine struct {
	keys    *keystore.Store
	codes   *codebuffer.Buffer
	ledger  *nonceledger.Ledger
	eff     effector.Effector
	bus     events.Bus
	metrics *metrics.Metrics
}

// New builds an Engine wired to its collaborators.
func New(keys *keystore.Store, codes *codebuffer.Buffer, ledger *nonceledger.Ledger, eff effector.Effector, bus events.Bus, m *metrics.Metrics) *Engine {
	return &Engine{keys: keys, codes: codes, ledger: ledger, eff: eff, bus: bus, metrics: m}
}

// PostHook is returned alongside a Response for routes (only /unlock)
// that require work after the response bytes have been written.
type PostHook func()

// beginEnrollResponse is the body of a successful /begin_enroll.
type beginEnrollResponse struct {
	Code    uint32 `json:"code"`
	Expires int64  `json:"expires"`
}

// BeginEnroll mints a fresh code, returns the response to write on the
// local socket, and the code to hand to the producer channel. It fails
// only if the CSPRNG or JSON encoding fails; the error is a Server-kind
// apperr.Error, which the caller turns into an error response.
func (e *Engine) BeginEnroll() (*wire.Response, codebuffer.Code, error) {
	code, err := codebuffer.New()
	if err != nil {
		return nil, codebuffer.Code{}, apperr.New("authz.BeginEnroll", apperr.KindServer, err)
	}

	body, err := json.Marshal(beginEnrollResponse{Code: code.Digits, Expires: code.Expires.Unix()})
	if err != nil {
		return nil, codebuffer.Code{}, apperr.New("authz.BeginEnroll", apperr.KindServer, err)
	}

	e.publish(events.TypeEnrollBegin, "", "")
	if e.metrics != nil {
		e.metrics.EnrollBegins.WithLabelValues("ok").Inc()
	}

	return &wire.Response{
		Status:  200,
		Headers: []wire.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    body,
	}, code, nil
}

type enrollRequest struct {
	Code      uint32 `json:"code"`
	PubkeyPEM string `json:"pubkey_pem"`
}

type enrollResponse struct {
	ID string `json:"id"`
}

// Enroll handles POST /enroll.
func (e *Engine) Enroll(req *wire.Request) *wire.Response {
	var body enrollRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return e.errorResponse(apperr.New("authz.Enroll", apperr.KindParse, err))
	}

	if !e.codes.Verify(time.Now(), body.Code) {
		e.publish(events.TypeEnrollRejected, "", "code not live")
		if e.metrics != nil {
			e.metrics.EnrollRejections.WithLabelValues("code_not_live").Inc()
		}
		return e.errorResponse(apperr.New("authz.Enroll", apperr.KindCodeBufferFull, nil))
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")

	if err := e.keys.Save(id, []byte(body.PubkeyPEM)); err != nil {
		// Surface KeyMalformed for a bad PEM, Server for anything else.
		e.publish(events.TypeEnrollRejected, id, "key save failed")
		return e.errorResponse(err)
	}

	respBody, err := json.Marshal(enrollResponse{ID: id})
	if err != nil {
		return e.errorResponse(apperr.New("authz.Enroll", apperr.KindServer, err))
	}

	e.publish(events.TypeEnrollComplete, id, "")
	if e.metrics != nil {
		e.metrics.EnrollCompletes.WithLabelValues("ok").Inc()
	}

	return &wire.Response{
		Status:  200,
		Headers: []wire.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    respBody,
	}
}

type unlockRequest struct {
	ID    string      `json:"id"`
	Nonce json.Number `json:"nonce"`
}

// Unlock handles POST /unlock, returning both the response to write and
// a post-write hook the caller must invoke after the bytes are on the
// wire (commit-or-rollback plus the effector invocation).
func (e *Engine) Unlock(ctx context.Context, req *wire.Request) (*wire.Response, PostHook) {
	start := time.Now()

	var body unlockRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return e.errorResponse(apperr.New("authz.Unlock", apperr.KindParse, err)), nil
	}

	sigHeader := req.Header(signatureHeader)
	if sigHeader == "" {
		return e.errorResponse(apperr.New("authz.Unlock", apperr.KindParse, nil)), nil
	}

	id := body.ID

	pub, err := e.keys.Load(id)
	if err != nil {
		return e.errorResponse(err), e.rollbackHook(id)
	}

	sig, err := decodeSignature(sigHeader)
	if err != nil {
		return e.errorResponse(err), e.rollbackHook(id)
	}

	nonce, ok := new(big.Int).SetString(string(body.Nonce), 10)
	if !ok {
		return e.errorResponse(apperr.New("authz.Unlock", apperr.KindParse, nil)), e.rollbackHook(id)
	}

	digest := sha256.Sum256(req.Body)
	sigValid := ecdsa.VerifyASN1(pub, digest[:], sig)

	ledgerOK := false
	if sigValid {
		ledgerOK = e.ledger.Validate(id, nonce)
	}

	duration := time.Since(start).Seconds()

	if sigValid && ledgerOK {
		if e.metrics != nil {
			e.metrics.UnlockAccepted.WithLabelValues(id).Inc()
			e.metrics.UnlockDuration.WithLabelValues("accepted").Observe(duration)
		}
		e.publish(events.TypeUnlockAccepted, id, "")
		return &wire.Response{Status: 200}, e.acceptHook(ctx, id)
	}

	reason := "nonce_regression"
	kind := apperr.KindNonceRegression
	if !sigValid {
		reason = "signature_invalid"
		kind = apperr.KindSignatureInvalid
	}
	if e.metrics != nil {
		e.metrics.UnlockRejected.WithLabelValues(reason).Inc()
		e.metrics.UnlockDuration.WithLabelValues("rejected").Observe(duration)
	}
	e.publish(events.TypeUnlockRejected, id, reason)
	return e.errorResponse(apperr.New("authz.Unlock", kind, nil)), e.rollbackHook(id)
}

// acceptHook commits the staged nonce and runs the effector. Effector
// failure is logged only — the client has already been told success.
func (e *Engine) acceptHook(ctx context.Context, id string) PostHook {
	return func() {
		e.ledger.Commit(id)

		if e.eff == nil {
			return
		}
		start := time.Now()
		err := e.eff.Unlock(ctx)
		if e.metrics != nil {
			e.metrics.EffectorLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if e.metrics != nil {
				e.metrics.EffectorErrors.Inc()
			}
			slog.Warn("authz: effector failed", "id", id, "error", err)
		}
	}
}

func (e *Engine) rollbackHook(id string) PostHook {
	if id == "" {
		return nil
	}
	return func() {
		e.ledger.Rollback(id)
	}
}

func (e *Engine) publish(t events.Type, identity, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), &events.Event{
		Type:      t,
		Identity:  identity,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (e *Engine) errorResponse(err error) *wire.Response {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	return &wire.Response{
		Status:  status,
		Headers: []wire.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte(wire.ReasonPhrase(status)),
	}
}

func decodeSignature(header string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, apperr.New("authz.decodeSignature", apperr.KindSignatureMalformed, err)
	}
	if len(sig) > maxSignatureSize {
		return nil, apperr.New("authz.decodeSignature", apperr.KindSignatureMalformed, nil)
	}
	return sig, nil
}

// NotFound builds the 404 response for a non-matching method/path, per
// the wire contract for the TCP listener.
func NotFound() *wire.Response {
	return &wire.Response{
		Status:  404,
		Headers: []wire.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte("404 Not Found"),
	}
}
