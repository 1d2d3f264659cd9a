package reliability

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
)

const maxDiagnosticBytes = 4 << 10

// ErrUpstreamTransport marks failures of the media/event link to the provider,
// including signaling exchanges and socket dial or read errors.
var ErrUpstreamTransport = errors.New("upstream transport error")

// UpstreamError preserves a third-party response for client-side diagnosis.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, body)
}

func (e *UpstreamError) Retryable() bool {
	return IsRetryableHTTPStatus(e.Status)
}

// ReadUpstreamError drains at most 4KiB of a non-success response body.
func ReadUpstreamError(op string, res *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxDiagnosticBytes))
	return &UpstreamError{Op: op, Status: res.StatusCode, Body: string(body)}
}

// FromAPIError converts a provider SDK status error into an UpstreamError
// carrying the verbatim response body. ok is false for transport failures,
// which the SDK reports as plain errors.
func FromAPIError(op string, err error) (*UpstreamError, bool) {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	ue := &UpstreamError{Op: op, Status: apiErr.StatusCode}
	if apiErr.Response != nil && apiErr.Response.Body != nil {
		ue = ReadUpstreamError(op, apiErr.Response)
	}
	return ue, true
}

// AsUpstreamError unwraps err into an UpstreamError when one is present.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
