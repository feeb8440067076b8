package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// intake handler is constructed with a secret.
const SignatureHeader = "X-Reqon-Signature"

const maxBodyBytes = 1 << 20

// Handler returns an http.Handler that accepts webhook deliveries and routes
// them to pending waits by URL path. Bodies must be JSON objects. A non-empty
// secret requires a valid SignatureHeader on every request; an optional
// "sha256=" prefix on the signature is accepted.
func (r *Registry) Handler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
			return
		}

		if secret != "" {
			if err := verifySignature(secret, body, req.Header.Get(SignatureHeader)); err != nil {
				r.logger.Warn("webhook signature rejected",
					zap.String("path", req.URL.Path),
					zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
				return
			}
		}

		var payload map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be a JSON object"})
				return
			}
		}

		delivered := r.Deliver(req.URL.Path, payload)
		if delivered == 0 {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending wait for this path"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
	})
}

// Sign computes the hex HMAC-SHA256 a sender must place in SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errors.New("missing signature header")
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return errors.New("signature is not hex")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return errors.New("signature mismatch")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
