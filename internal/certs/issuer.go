package certs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// IssuedCert is the opaque result of a certificate-authority call made
// during admin approval.
type IssuedCert struct {
	CertPEM string `json:"certPem"`
	Serial  string `json:"serial"`
}

// Issuer signs a device certificate for the given fingerprint and CSR.
// The CA itself is an external collaborator; only this contract is owned
// here.
type Issuer interface {
	Issue(ctx context.Context, fingerprint string, csrPEM string) (*IssuedCert, error)
}

// IssueError is a typed CA failure, distinct from storage errors, so
// that admin approval can report it without partially committing an
// activation.
type IssueError struct {
	StatusCode int
	Reason     string
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("certificate issuance failed: %s", e.Reason)
}

type httpIssuer struct {
	client  *http.Client
	baseURL string
	token   string
}

type issueRequest struct {
	Fingerprint string `json:"fingerprint"`
	CSRPEM      string `json:"csrPem"`
}

func (i *httpIssuer) Issue(ctx context.Context, fingerprint string, csrPEM string) (*IssuedCert, error) {
	body, err := json.Marshal(issueRequest{Fingerprint: fingerprint, CSRPEM: csrPEM})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, &IssueError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &IssueError{StatusCode: resp.StatusCode, Reason: string(msg)}
	}

	var cert IssuedCert
	if err := json.NewDecoder(resp.Body).Decode(&cert); err != nil {
		return nil, &IssueError{Reason: "malformed CA response"}
	}
	if cert.CertPEM == "" || cert.Serial == "" {
		return nil, &IssueError{Reason: "incomplete CA response"}
	}
	return &cert, nil
}

func NewHTTPIssuer(baseURL string, token string, timeout time.Duration) Issuer {
	return &httpIssuer{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}
