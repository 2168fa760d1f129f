package errors

import (
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus_CodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want int
	}{
		{"schema error is a bad gateway", NewSchemaError("openai", nil), http.StatusBadGateway},
		{"malformed relays the upstream status", NewMalformedResponse("openai", 200, "no choices"), 200},
		{"malformed without a status falls back", NewMalformedResponse("bedrock", 0, "no message"), http.StatusBadGateway},
		{"circuit open", NewCircuitOpen("ollama", time.Second), http.StatusServiceUnavailable},
		{"http error relays the upstream status", NewHTTPError(429, "slow down"), 429},
		{"explicit status wins", &AppError{Code: CodeInternal, Status: 418}, 418},
		{"unknown code defaults to 500", New(CodeInternal, "boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCodeOf_ForeignError(t *testing.T) {
	if got := CodeOf(http.ErrServerClosed); got != CodeInternal {
		t.Fatalf("foreign errors must map to internal, got %q", got)
	}
}
