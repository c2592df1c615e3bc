package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex>" on every inbound delivery.
const SignatureHeader = "Webhook-Signature"

// DefaultTolerance bounds how far a delivery timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrSignatureInvalid rejects a payload that cannot be trusted.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent rejects a verified payload without an id or type.
	ErrMalformedEvent = errors.New("webhook event malformed")
)

// Verifier checks HMAC-SHA256 signatures against a primary and an optional
// secondary secret, so secrets can be rotated without dropping deliveries.
type Verifier struct {
	Secret          string
	SecondarySecret string
	Tolerance       time.Duration
	now             func() time.Time
}

func NewVerifier(secret, secondary string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{Secret: secret, SecondarySecret: secondary, Tolerance: tolerance, now: time.Now}
}

// Verify reports nil when header holds a fresh v1 signature of body made
// with either secret.
func (v *Verifier) Verify(body []byte, header string) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrSignatureInvalid)
	}
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	now := time.Now
	if v.now != nil {
		now = v.now
	}
	if d := now().Sub(time.Unix(ts, 0)); d > v.Tolerance || d < -v.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	secrets := []string{v.Secret}
	if v.SecondarySecret != "" {
		secrets = append(secrets, v.SecondarySecret)
	}
	for _, secret := range secrets {
		expected := computeSignature(secret, ts, body)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureInvalid)
}

// Sign builds a header value for body at ts. Senders and tests use it.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := ts.Unix()
	return "t=" + strconv.FormatInt(unix, 10) + ",v1=" + hex.EncodeToString(computeSignature(secret, unix, body))
}

func computeSignature(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if strings.TrimSpace(header) == "" {
		return 0, nil, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}
	var (
		ts    int64
		haveT bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
			}
			ts, haveT = n, true
		case "v1":
			raw, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, raw)
		}
	}
	if !haveT {
		return 0, nil, fmt.Errorf("%w: missing timestamp", ErrSignatureInvalid)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: missing v1 signature", ErrSignatureInvalid)
	}
	return ts, sigs, nil
}
