package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	x402 "github.com/x402-foundation/paidfetch"
)

// JSONBody is a response body read as text and, when possible, decoded JSON
type JSONBody struct {
	// Value is the decoded document, or nil for an empty or non-JSON body
	Value interface{}
	Text  string
}

// ReadJSONBody reads resp's body and decodes it as JSON. The body is put back
// so the response can still be read by the caller.
//
// An empty body yields a nil Value. A body that fails to decode is an error
// only when the response declares a JSON content type; otherwise Value is nil
// and Text holds the raw body.
func ReadJSONBody(resp *http.Response) (JSONBody, error) {
	raw, err := readAndRestoreBody(resp)
	if err != nil {
		return JSONBody{}, fmt.Errorf("failed to read response body: %w", err)
	}

	body := JSONBody{Text: string(raw)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return body, nil
	}

	if err := json.Unmarshal(raw, &body.Value); err != nil {
		body.Value = nil
		if isJSONContentType(resp.Header.Get("Content-Type")) {
			return body, x402.NewPaymentError(x402.ErrCodeJSONBodyParseFailed, "response declared JSON but body did not parse", map[string]interface{}{
				"text": body.Text,
			}).WithResponse(resp).WithCause(err)
		}
	}

	return body, nil
}

func readAndRestoreBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
