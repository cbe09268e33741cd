package server

import (
	"encoding/json"

	"github.com/govverify/broker/internal/engine"
	"github.com/govverify/broker/internal/session"
)

// initResponse is the body of a successful POST /session/init.
type initResponse struct {
	Nonce     string `json:"nonce"`
	ExpiresIn int    `json:"expires_in"`
	QRPayload string `json:"qr_payload"`
}

// verifyRequest is the body of POST /session/verify.
type verifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse is the verdict payload returned by POST /session/verify and
// embedded in poll responses and notification frames.
type VerifyResponse struct {
	Verdict       engine.Verdict    `json:"verdict"`
	CheckedURL    string            `json:"checked_url"`
	Timestamp     string            `json:"timestamp"`
	ClientIP      string            `json:"client_ip,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	DeviceOS      string            `json:"device_os,omitempty"`
	DeviceBrowser string            `json:"device_browser,omitempty"`
	DeviceBrand   string            `json:"device_brand,omitempty"`
	IsMobile      *bool             `json:"is_mobile,omitempty"`
	TrustScore    int               `json:"trust_score"`
	Logs          []string          `json:"logs"`
	Details       map[string]string `json:"details"`
}

// pollResponse is the body of GET /session/poll/{nonce}.
type pollResponse struct {
	Status session.Status  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// proximityRequest is the body of POST /session/proximity/{nonce}.
type proximityRequest struct {
	BLEUUID   string `json:"ble_uuid"`
	Found     bool   `json:"found"`
	Supported bool   `json:"supported"`
	Timestamp string `json:"timestamp"`
}

// proximityResponse acknowledges a stored proximity report.
type proximityResponse struct {
	Status string `json:"status"`
}
