package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bus-buddy/internal/gps"
)

// ErrRejected marks an update refused by ingestion validation.
var ErrRejected = errors.New("update rejected")

// RejectedError carries the field-level messages of a rejection so a
// systematic client bug can be diagnosed from the log.
type RejectedError struct {
	Status  int
	Reason  string
	Details []gps.FieldError
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return fmt.Sprintf("status %d: %s [%s]", e.Status, e.Reason, strings.Join(parts, "; "))
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

func describe(u gps.Update) string {
	b, _ := json.Marshal(u)
	return string(b)
}

// HTTPSender posts updates to the ingestion endpoint.
type HTTPSender struct {
	URL    string
	Client *http.Client
}

func NewHTTPSender(url string) *HTTPSender {
	return &HTTPSender{URL: url, Client: http.DefaultClient}
}

func (s *HTTPSender) Send(ctx context.Context, u gps.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		rej := &RejectedError{Status: resp.StatusCode}
		var r gps.Rejection
		if err := json.Unmarshal(raw, &r); err == nil {
			rej.Reason, rej.Details = r.Error, r.Details
		} else {
			rej.Reason = strings.TrimSpace(string(raw))
		}
		return rej
	}
	return fmt.Errorf("post %s: unexpected status %d: %s", s.URL, resp.StatusCode, strings.TrimSpace(string(raw)))
}

// Requester is satisfied by publisher.NATSPublisher.
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)
}

// NATSSender submits updates through a request/reply subject so rejections
// come back with the same structure as the HTTP endpoint.
type NATSSender struct {
	Requester Requester
	Subject   string
}

func (s *NATSSender) Send(ctx context.Context, u gps.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	reply, err := s.Requester.Request(ctx, s.Subject, body)
	if err != nil {
		return fmt.Errorf("nats request %s: %w", s.Subject, err)
	}
	var r gps.Rejection
	if err := json.Unmarshal(reply, &r); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if r.Error == "" {
		return nil
	}
	if r.Status >= 500 {
		return fmt.Errorf("nats request %s: server error: %s", s.Subject, r.Error)
	}
	status := r.Status
	if status == 0 {
		status = 400
	}
	return &RejectedError{Status: status, Reason: r.Error, Details: r.Details}
}
