// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package wps

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
)

const (
	wpsVersion = "1.0.0"
	nsWPS      = "http://www.opengis.net/wps/1.0.0"
	nsOWS      = "http://www.opengis.net/ows/1.1"
	nsXlink    = "http://www.w3.org/1999/xlink"

	// maxResponseSize bounds parsed XML documents.
	maxResponseSize = 30 << 20
)

// Client talks WPS 1.0.0 to a single service endpoint.
type Client struct {
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for the given WPS endpoint URL.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "?&"),
		hc:       &http.Client{Timeout: 2 * time.Minute},
		logger:   logger.With("module", "wps", "endpoint", endpoint),
	}
}

// Endpoint returns the service URL the client was built for.
func (c *Client) Endpoint() string { return c.endpoint }

// GetCapabilities fetches and parses the service capabilities.
func (c *Client) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	var caps Capabilities
	if err := c.getXML(ctx, map[string]string{"request": "GetCapabilities"}, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// DescribeProcess fetches the full descriptions of the given process ids.
// With no ids, all processes are described.
func (c *Client) DescribeProcess(ctx context.Context, ids ...string) (*ProcessDescriptions, error) {
	identifier := "all"
	if len(ids) > 0 {
		identifier = strings.Join(ids, ",")
	}
	var desc ProcessDescriptions
	params := map[string]string{
		"request":    "DescribeProcess",
		"identifier": identifier,
	}
	if err := c.getXML(ctx, params, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Execute submits an asynchronous Execute request and returns the initial
// response document, whose statusLocation is then polled.
func (c *Client) Execute(ctx context.Context, req *Execute) (*ExecuteResponse, error) {
	req.Service = "WPS"
	req.Version = wpsVersion
	req.XMLNSWPS = nsWPS
	req.XMLNSOWS = nsOWS
	req.XMLNSXlink = nsXlink

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(append([]byte(xml.Header), body...)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/xml")
	authctx.FromContext(ctx).Apply(httpReq)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("execute request to %s failed", c.endpoint), err)
	}
	defer resp.Body.Close()
	return c.decodeExecuteResponse(resp)
}

// PollStatus fetches the stored status document of a running execution.
func (c *Client) PollStatus(ctx context.Context, statusLocation string) (*ExecuteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusLocation, nil)
	if err != nil {
		return nil, err
	}
	authctx.FromContext(ctx).Apply(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("status poll of %s failed", statusLocation), err)
	}
	defer resp.Body.Close()
	return c.decodeExecuteResponse(resp)
}

func (c *Client) decodeExecuteResponse(resp *http.Response) (*ExecuteResponse, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if report := parseExceptionReport(data); report != "" {
			return nil, apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Provider error", report)
		}
		return nil, apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Provider error",
			fmt.Sprintf("provider answered HTTP %d", resp.StatusCode))
	}

	var out ExecuteResponse
	if err := xml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse execute response: %w", err)
	}
	return &out, nil
}

func (c *Client) getXML(ctx context.Context, params map[string]string, out any) error {
	q := url.Values{}
	q.Set("service", "WPS")
	q.Set("version", wpsVersion)
	for k, v := range params {
		q.Set(k, v)
	}
	sep := "?"
	if strings.Contains(c.endpoint, "?") {
		sep = "&"
	}
	reqURL := c.endpoint + sep + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	authctx.FromContext(ctx).Apply(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("request to %s failed", c.endpoint), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "Authentication required",
			fmt.Sprintf("provider %s answered HTTP %d", c.endpoint, resp.StatusCode))
	case resp.StatusCode >= 400:
		if report := parseExceptionReport(data); report != "" {
			return apperr.New(apperr.CodeUnprocessable, http.StatusBadGateway, "Provider error", report)
		}
		return apperr.New(apperr.CodeUnprocessable, http.StatusBadGateway, "Provider error",
			fmt.Sprintf("provider answered HTTP %d", resp.StatusCode))
	}
	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", c.endpoint, err)
	}
	return nil
}

// parseExceptionReport extracts a readable message from an OWS exception
// report body, or returns "".
func parseExceptionReport(data []byte) string {
	var report struct {
		XMLName    xml.Name       `xml:"ExceptionReport"`
		Exceptions []OWSException `xml:"Exception"`
	}
	if err := xml.Unmarshal(data, &report); err != nil || len(report.Exceptions) == 0 {
		return ""
	}
	var parts []string
	for _, e := range report.Exceptions {
		msg := e.Code
		if len(e.Texts) > 0 {
			msg += ": " + strings.Join(e.Texts, "; ")
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, " | ")
}

// State folds the WPS status block into a (state, progress, message) triple.
// States are "accepted", "running", "succeeded" and "failed".
func (s *ExecuteStatus) State() (state string, progress int, message string) {
	switch {
	case s.Succeeded != nil:
		return "succeeded", 100, strings.TrimSpace(s.Succeeded.Message)
	case s.Failed != nil:
		var texts []string
		for _, e := range s.Failed.Exceptions {
			texts = append(texts, strings.Join(e.Texts, "; "))
		}
		return "failed", 0, strings.Join(texts, " | ")
	case s.Started != nil:
		return "running", s.Started.Percent, strings.TrimSpace(s.Started.Message)
	case s.Paused != nil:
		return "running", s.Paused.Percent, strings.TrimSpace(s.Paused.Message)
	default:
		return "accepted", 0, ""
	}
}
