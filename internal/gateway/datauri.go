/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// decodeDataURI unpacks a data: URI into its payload and content type.
// Base64 and percent-encoded payloads are supported.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return nil, "", fmt.Errorf("data uri without payload")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	contentType := "text/plain"
	base64Encoded := false
	for i, part := range strings.Split(meta, ";") {
		if part == "base64" {
			base64Encoded = true
		} else if i == 0 && part != "" {
			contentType = part
		}
	}

	if base64Encoded {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data uri: %w", err)
		}
		return data, contentType, nil
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return []byte(decoded), contentType, nil
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
