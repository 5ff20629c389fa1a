package idempotency

import (
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

const (
	// MetadataFailureReason holds the error message recorded by Fail.
	MetadataFailureReason = "failureReason"

	bodyEncodingBase64 = "base64"
)

// Record is the value stored per idempotency key.
//
// Response fields are only populated once Status is Completed. A record is
// logically absent once ExpiresAt has passed, even if the cache still holds it.
type Record struct {
	Key                  string            `json:"key"`
	Status               Status            `json:"status"`
	RequestHash          string            `json:"requestHash"`
	ResponseStatusCode   int               `json:"responseStatusCode"`
	ResponseBody         string            `json:"responseBody"`
	ResponseBodyEncoding string            `json:"responseBodyEncoding,omitempty"`
	ResponseContentType  string            `json:"responseContentType"`
	CreatedAt            time.Time         `json:"createdAt"`
	ExpiresAt            time.Time         `json:"expiresAt"`
	Metadata             map[string]string `json:"metadata"`
}

// CachedResponse is the replay payload of a completed record.
type CachedResponse struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Live reports whether the record still blocks a new claim at now.
// Failed and expired records do not.
func (r *Record) Live(now time.Time) bool {
	return !r.Expired(now) && r.Status != StatusFailed
}

// TTL returns the time left before the record expires.
func (r *Record) TTL(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// FailureReason returns the reason recorded by Fail, if any.
func (r *Record) FailureReason() string {
	return r.Metadata[MetadataFailureReason]
}

// setResponse stores body as a plain string when it is valid UTF-8 and as
// base64 otherwise, so binary payloads survive the JSON round trip.
func (r *Record) setResponse(statusCode int, body []byte, contentType string) {
	r.ResponseStatusCode = statusCode
	r.ResponseContentType = contentType
	if utf8.Valid(body) {
		r.ResponseBody = string(body)
		r.ResponseBodyEncoding = ""
		return
	}
	r.ResponseBody = base64.StdEncoding.EncodeToString(body)
	r.ResponseBodyEncoding = bodyEncodingBase64
}

// Response decodes the replay payload of a completed record.
func (r *Record) Response() (*CachedResponse, error) {
	body := []byte(r.ResponseBody)
	switch r.ResponseBodyEncoding {
	case "":
	case bodyEncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(r.ResponseBody)
		if err != nil {
			return nil, fmt.Errorf("decode response body for %q: %w", r.Key, err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("unknown response body encoding %q for %q", r.ResponseBodyEncoding, r.Key)
	}
	return &CachedResponse{
		StatusCode:  r.ResponseStatusCode,
		Body:        body,
		ContentType: r.ResponseContentType,
	}, nil
}

func (r Record) clone() Record {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}
