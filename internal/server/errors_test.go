package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wittgen/lgdl/pkg/lgerr"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestWriteEngineError_SanitizesInternalFailures(t *testing.T) {
	err := lgerr.Wrap(lgerr.CodeCapabilityFailed,
		errors.New("dial tcp 10.0.0.5:9000: connection refused"),
		"invoke scheduling.check_availability")

	rec := httptest.NewRecorder()
	writeEngineError(rec, err)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Code != "E213" {
		t.Errorf("code = %q, want E213", body.Code)
	}
	for _, leak := range []string{"10.0.0.5", "dial tcp", "scheduling"} {
		if strings.Contains(body.Message, leak) {
			t.Errorf("500 body leaks %q: %s", leak, body.Message)
		}
	}
	if !strings.Contains(body.Message, "E213") {
		t.Errorf("sanitized message should carry the code: %s", body.Message)
	}
}

func TestWriteEngineError_UncodedFailureIsGeneric(t *testing.T) {
	rec := httptest.NewRecorder()
	writeEngineError(rec, errors.New("pq: password authentication failed for user \"lgdl\""))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Code != "E000" {
		t.Errorf("code = %q, want E000", body.Code)
	}
	if body.Message != "internal error" {
		t.Errorf("message = %q, want the generic form", body.Message)
	}
}

func TestWriteEngineError_ClientErrorsKeepTheirMessage(t *testing.T) {
	err := lgerr.New(lgerr.CodeUnknownGame, "game %q is not registered", "dentistry")

	rec := httptest.NewRecorder()
	writeEngineError(rec, err)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if !strings.Contains(body.Message, "dentistry") {
		t.Errorf("404 body should name the game: %s", body.Message)
	}
}
