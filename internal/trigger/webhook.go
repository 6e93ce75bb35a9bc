package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/secflow/engine/internal/telemetry"
)

// WebhookDelivery is one inbound external-event notification, normalized
// into a run-request envelope (spec §4.K).
type WebhookDelivery struct {
	Source        string
	DeliveryID    string
	WorkflowID    string
	TenantID      string
	Signature     string // hex-encoded HMAC-SHA256 the source computed
	Body          []byte
	Inputs        map[string]any
}

// WebhookTrigger verifies an external event's HMAC signature and submits a
// de-duplicated run request (spec §4.K: "duplicate deliveries within a
// window are de-duplicated by (source, deliveryId, headSignature)").
//
// Per-source signing keys are derived from a single master secret via
// HKDF-SHA256 (golang.org/x/crypto/hkdf), keyed on the source name, so
// rotating the master secret rotates every source's key at once without a
// per-source secret store. The comparison itself is the canonical constant-
// time path per SPEC_FULL.md's Open Question decision 3: hmac.Equal, not a
// plain == string compare.
type WebhookTrigger struct {
	submitter    Submitter
	masterSecret []byte
	knownSources map[string]bool
	ledger       *idempotencyLedger
	log          *telemetry.Logger
}

func NewWebhookTrigger(submitter Submitter, masterSecret string, knownSources []string, log *telemetry.Logger) *WebhookTrigger {
	sources := make(map[string]bool, len(knownSources))
	for _, s := range knownSources {
		sources[s] = true
	}
	return &WebhookTrigger{
		submitter:    submitter,
		masterSecret: []byte(masterSecret),
		knownSources: sources,
		ledger:       newIdempotencyLedger(),
		log:          log,
	}
}

// deriveSourceKey derives a 32-byte HMAC key scoped to source from the
// trigger's master secret.
func (w *WebhookTrigger) deriveSourceKey(source string) ([]byte, error) {
	reader := hkdf.New(sha256.New, w.masterSecret, nil, []byte("secflow-webhook:"+source))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ErrBadSignature is returned when the delivery's signature does not match
// the computed HMAC for its registered source secret.
var ErrBadSignature = fmt.Errorf("trigger: webhook signature mismatch")

// Handle verifies d's signature, de-duplicates it, and submits a run
// request on first delivery. A replayed or duplicate delivery returns
// ErrDuplicateDelivery without resubmitting (idempotent, not an error the
// source should retry on).
func (w *WebhookTrigger) Handle(ctx context.Context, d WebhookDelivery) (RunHandle, error) {
	if !w.knownSources[d.Source] {
		return RunHandle{}, fmt.Errorf("trigger: unknown webhook source %q", d.Source)
	}
	key, err := w.deriveSourceKey(d.Source)
	if err != nil {
		return RunHandle{}, fmt.Errorf("derive webhook signing key: %w", err)
	}
	if !verifySignature(key, d.Body, d.Signature) {
		return RunHandle{}, ErrBadSignature
	}

	dedupeKey := fmt.Sprintf("%s|%s|%s", d.Source, d.DeliveryID, d.Signature)
	if !w.ledger.claim(dedupeKey) {
		return RunHandle{}, ErrDuplicateDelivery
	}

	return w.submitter.SubmitRun(ctx, RunRequest{
		WorkflowID:     d.WorkflowID,
		TenantID:       d.TenantID,
		TriggerKind:    KindWebhook,
		Inputs:         d.Inputs,
		IdempotencyKey: dedupeKey,
	})
}

// verifySignature recomputes HMAC-SHA256(key, body) and compares it to the
// hex-encoded signature the source sent, in constant time.
func verifySignature(key, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}
