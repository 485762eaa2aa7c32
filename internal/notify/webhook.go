// ABOUTME: Outbound webhook delivery for the send_webhook job: JCS body, HMAC signing, response body discard.
// ABOUTME: The http.Client is injected (safeurl-wrapped, constructed once at worker startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Signing headers set on every delivery.
const (
	HeaderTimestamp          = "X-Couchers-Timestamp"
	HeaderSignature          = "X-Couchers-Signature"
	HeaderSignatureSecondary = "X-Couchers-Signature-Secondary"
)

// WebhookSecrets are the process-wide HMAC keys. Secondary is non-empty
// during a rotation grace period.
type WebhookSecrets struct {
	Primary   string
	Secondary string
}

// Webhook is the payload of a send_webhook job.
type Webhook struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// deniedHeaders are custom header keys that callers must not override.
var deniedHeaders = map[string]bool{
	"host":                                   true,
	"content-type":                           true,
	"content-length":                         true,
	"transfer-encoding":                      true,
	"connection":                             true,
	strings.ToLower(HeaderTimestamp):          true,
	strings.ToLower(HeaderSignature):          true,
	strings.ToLower(HeaderSignatureSecondary): true,
}

// Sign returns "sha256=<hex>" over "timestamp.body".
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// canonicalBody returns the RFC 8785 (JCS) form of an object or array body,
// so the signed bytes do not depend on how the enqueuer ordered keys.
// Scalars are sent unchanged; an empty body is sent as null.
func canonicalBody(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("webhook: body is not valid JSON")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return trimmed, nil
	}
	jcs, err := jsoncanonical.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("webhook: canonicalize body: %w", err)
	}
	return jcs, nil
}

// Send posts the canonical form of w.Body to w.URL, signs it with HMAC-SHA256 and discards the
// response body. Any non-2xx status is an error, so the job is retried.
func Send(ctx context.Context, client *http.Client, secrets WebhookSecrets, w Webhook) error {
	if w.URL == "" {
		return errors.New("webhook: url is required")
	}
	if secrets.Primary == "" {
		return errors.New("webhook: signing secret not configured")
	}
	body, err := canonicalBody(w.Body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range w.Headers {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secrets.Primary, ts, body))
	if secrets.Secondary != "" {
		req.Header.Set(HeaderSignatureSecondary, Sign(secrets.Secondary, ts, body))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // discard errors are irrelevant

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
