package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/routebook/routebook/internal/attendance"
)

var (
	// ErrPermanent marks submissions the server will never accept as sent.
	ErrPermanent = errors.New("fieldsync: submission rejected")
	// ErrTransient marks submissions worth retrying later.
	ErrTransient = errors.New("fieldsync: submission failed temporarily")
)

// SubmitError describes a failed upload. StatusCode is zero for transport errors.
type SubmitError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmitError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("submit attendance: %s", e.Message)
	}
	return fmt.Sprintf("submit attendance: status %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying cannot succeed. Timeouts and rate
// limits are 4xx on the wire but clear up on their own.
func (e *SubmitError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Unwrap exposes the classification sentinel.
func (e *SubmitError) Unwrap() []error {
	kind := ErrTransient
	if e.Permanent() {
		kind = ErrPermanent
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// Submitter ships one queued record to the attendance ledger.
type Submitter interface {
	SubmitAttendance(ctx context.Context, rec Record) error
}

// HTTPClient submits records to the routebook API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewHTTPClient constructs a client for the server at baseURL.
func NewHTTPClient(baseURL string, tokens TokenSource, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

type submitPayload struct {
	Date         string                          `json:"date"`
	AreaID       string                          `json:"area_id"`
	SubmissionID string                          `json:"submission_id"`
	Attendance   []attendance.CustomerAttendance `json:"attendance"`
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

// SubmitAttendance posts rec. Any 2xx is success; other outcomes return a *SubmitError.
func (c *HTTPClient) SubmitAttendance(ctx context.Context, rec Record) error {
	body, err := json.Marshal(submitPayload{
		Date:         rec.Date,
		AreaID:       rec.AreaID,
		SubmissionID: rec.ID,
		Attendance:   rec.Attendance,
	})
	if err != nil {
		return &SubmitError{StatusCode: http.StatusBadRequest, Message: "encode record", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/attendance", bytes.NewReader(body))
	if err != nil {
		return &SubmitError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &SubmitError{Message: "obtain token", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &SubmitError{Message: "server unreachable", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &SubmitError{StatusCode: resp.StatusCode, Message: problemMessage(resp.Status, raw)}
}

// Healthy probes the server's health endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fieldsync: health check returned %s", resp.Status)
	}
	return nil
}

func problemMessage(status string, raw []byte) string {
	var p problem
	if err := json.Unmarshal(raw, &p); err != nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text
		}
		return status
	}
	if len(p.Errors) > 0 {
		parts := make([]string, 0, len(p.Errors))
		for _, v := range p.Errors {
			parts = append(parts, v.Field+": "+v.Message)
		}
		return strings.Join(parts, "; ")
	}
	if p.Detail != "" {
		return p.Detail
	}
	if p.Title != "" {
		return p.Title
	}
	return status
}
