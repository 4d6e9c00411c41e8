package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/loomchat/loom/pkg/ndjson"
)

// ErrorKind names one class in the fixed error taxonomy.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindTimeout       ErrorKind = "timeout"
	KindServer        ErrorKind = "server"
	KindModelNotFound ErrorKind = "model_not_found"
	KindInvalidReq    ErrorKind = "invalid_request"
	KindStream        ErrorKind = "stream"
	KindParse         ErrorKind = "parse"
	KindAbort         ErrorKind = "abort"
	KindUnknown       ErrorKind = "unknown"
)

// Error is a classified client error. Every error surfaced by this package
// is one of these, so callers can switch on Kind and consult Retryable
// without string matching.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int    // set for HTTP response errors
	ModelName  string // set for model-not-found errors
	Line       string // set for parse errors: the raw offending line
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation could plausibly succeed.
// Only transient transport and server failures qualify.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// IsAbort reports whether err is a classified cancellation.
func IsAbort(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == KindAbort
}

// Classify normalizes an arbitrary error into a *Error. Already-classified
// errors pass through untouched; known platform error types are mapped
// next, then message-text heuristics, and anything left is KindUnknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var syntaxErr *ndjson.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &Error{Kind: KindParse, Message: "malformed response line", Line: syntaxErr.Line, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindAbort, Message: "operation cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "operation timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "network timeout", Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindConnection, Message: "DNS lookup failed", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnection, Message: "network error", Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindConnection, Message: "request failed", Err: err}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindStream, Message: "response stream ended unexpectedly", Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	case strings.Contains(msg, "abort"), strings.Contains(msg, "cancel"):
		return &Error{Kind: KindAbort, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

var modelNamePattern = regexp.MustCompile(`model ['"]([^'"]+)['"]`)

// ClassifyResponse converts a non-2xx HTTP response into a classified
// error, reading the body for the server-supplied message. The body is
// consumed but not closed.
func ClassifyResponse(resp *http.Response) *Error {
	message := readErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if strings.Contains(strings.ToLower(message), "model") {
			modelName := ""
			if m := modelNamePattern.FindStringSubmatch(message); m != nil {
				modelName = m[1]
			}
			return &Error{
				Kind:       KindModelNotFound,
				Message:    message,
				StatusCode: resp.StatusCode,
				ModelName:  modelName,
			}
		}
		return &Error{Kind: KindUnknown, Message: message, StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusBadRequest:
		return &Error{Kind: KindInvalidReq, Message: message, StatusCode: resp.StatusCode}

	case resp.StatusCode >= 500:
		return &Error{Kind: KindServer, Message: message, StatusCode: resp.StatusCode}

	default:
		return &Error{Kind: KindUnknown, Message: message, StatusCode: resp.StatusCode}
	}
}

// readErrorMessage extracts the server error message from a response body:
// the "error" field of a JSON body when present, otherwise the raw text.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 32<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}
