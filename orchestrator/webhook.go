package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/railyard-labs/railyard-go/internal/platform/auditlog"
	"github.com/railyard-labs/railyard-go/internal/signal"
)

// Signal intake headers. The sender signs the timestamp, method and
// body digest with the shared webhook secret.
const (
	signalHeaderTimestamp = "X-Railyard-Signal-Ts"
	signalHeaderSignature = "X-Railyard-Signal-Sig"
)

type signalRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// handleSignal is the intake for external VCS and CI events. Deliveries
// are verified against the webhook secret, normalized into a signal and
// handed to the dispatcher; duplicate deliveries are absorbed by the
// stamp log downstream, so a retry of the same event is safe.
func (api *orchestratorAPI) handleSignal(w http.ResponseWriter, r *http.Request) {
	trainID := strings.TrimSpace(r.PathValue("train_id"))
	if trainID == "" {
		api.writeError(w, r, http.StatusBadRequest, "train_id_required")
		return
	}

	ts := strings.TrimSpace(r.Header.Get(signalHeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(signalHeaderSignature))
	if ts == "" || sig == "" {
		api.auditSignalReject(r.Context(), r, trainID, "missing_signature_headers")
		api.writeError(w, r, http.StatusUnauthorized, "signal_signature_required")
		return
	}
	if err := verifySignalTimestamp(ts, time.Now().UTC(), api.webhookMaxSkew); err != nil {
		api.auditSignalReject(r.Context(), r, trainID, "invalid_signature_timestamp")
		api.writeError(w, r, http.StatusUnauthorized, "signal_signature_invalid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.auditSignalReject(r.Context(), r, trainID, "body_read_failed")
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := verifySignalSignature(api.webhookSecret, ts, r.Method, body, sig); err != nil {
		api.auditSignalReject(r.Context(), r, trainID, "invalid_signature")
		api.writeError(w, r, http.StatusUnauthorized, "signal_signature_invalid")
		return
	}

	var req signalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.auditSignalReject(r.Context(), r, trainID, "invalid_json")
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	kind := signal.NormalizeKind(req.Kind)
	if kind == "" {
		api.auditSignalReject(r.Context(), r, trainID, "unknown_signal_kind")
		api.writeError(w, r, http.StatusBadRequest, "unknown_signal_kind")
		return
	}
	if _, err := api.set.byTrain(trainID); err != nil {
		api.auditSignalReject(r.Context(), r, trainID, "train_not_found")
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}

	delivery := signal.Signal{Kind: kind, TrainID: trainID, Payload: req.Payload}
	if err := api.dispatcher.Dispatch(r.Context(), delivery); err != nil {
		api.logger.Error("signal dispatch failed",
			"train_id", trainID, "kind", string(kind), "error", err)
		api.writeError(w, r, http.StatusUnprocessableEntity, "signal_rejected")
		return
	}

	sum, _ := delivery.SHA256()
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"train_id":      trainID,
		"kind":          string(kind),
		"signal_sha256": sum,
	})
}

func verifySignalSignature(secret, ts, method string, body []byte, signature string) error {
	expected, err := computeSignalMAC(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func computeSignalMAC(secret, ts, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func verifySignalTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	unix, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	issued := time.Unix(unix, 0).UTC()
	if issued.Before(now.Add(-maxSkew)) || issued.After(now.Add(maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func (api *orchestratorAPI) auditSignalReject(ctx context.Context, r *http.Request, trainID, reason string) {
	if api.db == nil {
		return
	}
	_, _ = auditlog.Insert(ctx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "webhook",
		Action:       "signal.reject",
		ResourceType: "signal",
		ResourceID:   trainID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"service": "orchestrator",
			"reason":  reason,
		},
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
