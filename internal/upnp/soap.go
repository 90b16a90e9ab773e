/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// TimeoutError marks a renderer that did not answer in time. Some
// renderers accept SetAVTransportURI but never reply; callers may
// treat this as recoverable.
type TimeoutError struct {
	Action string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("soap action %s timed out", e.Action)
}

// UnreachableError marks a transport-level failure.
type UnreachableError struct {
	Action string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("soap action %s unreachable: %v", e.Action, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// FaultError is a SOAP fault returned by the renderer.
type FaultError struct {
	Action      string
	Code        string
	Description string
	HTTPStatus  int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("soap action %s rejected: %s %s", e.Action, e.Code, e.Description)
}

// IsSoftFault reports whether err is a SOAP fault that optional
// playback commands may treat as success.
func IsSoftFault(err error) bool {
	var fault *FaultError
	return errors.As(err, &fault)
}

// SOAPClient issues UPnP control calls.
type SOAPClient struct {
	httpClient *http.Client
}

// NewSOAPClient creates a client with the given per-call timeout.
func NewSOAPClient(timeout time.Duration) *SOAPClient {
	return &SOAPClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Call sends a SOAP action to the control URL and returns the raw
// response body.
func (c *SOAPClient) Call(ctx context.Context, controlURL, serviceType, action string, args map[string]string) ([]byte, error) {
	body := buildEnvelope(serviceType, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &TimeoutError{Action: action}
		}
		return nil, &UnreachableError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		code, desc := parseFault(payload)
		if code != "" || desc != "" {
			return nil, &FaultError{Action: action, Code: code, Description: desc, HTTPStatus: resp.StatusCode}
		}
		return nil, fmt.Errorf("soap action %s failed: http %d", action, resp.StatusCode)
	}
	return payload, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func buildEnvelope(serviceType, action string, args map[string]string) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(action)
	buf.WriteString(` xmlns:u="`)
	buf.WriteString(serviceType)
	buf.WriteString(`">`)

	for key, value := range args {
		buf.WriteString("<")
		buf.WriteString(key)
		buf.WriteString(">")
		buf.WriteString(EscapeXML(value))
		buf.WriteString("</")
		buf.WriteString(key)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")
	return []byte(buf.String())
}

// EscapeXML escapes text for inclusion in an XML document.
func EscapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

func parseFault(payload []byte) (code, desc string) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "errorCode":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				code = strings.TrimSpace(value)
			}
		case "errorDescription":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				desc = strings.TrimSpace(value)
			}
		}
	}
	return code, desc
}
