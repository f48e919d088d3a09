package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSONError(t *testing.T) {
	for _, test := range []struct {
		name       string
		code       int
		details    []string
		wantCode   int
		wantFields int
	}{
		{"default", 0, nil, http.StatusInternalServerError, 1},
		{"bad request", http.StatusBadRequest, nil, http.StatusBadRequest, 1},
		{"details", http.StatusBadRequest, []string{"a", "b"}, http.StatusBadRequest, 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			JSONErrorWithDetails(rec, errors.New("oops"), test.code, test.details)
			if have, want := rec.Code, test.wantCode; have != want {
				t.Errorf("status: have: %v, want: %v", have, want)
			}
			if have, want := rec.Header().Get("Content-Type"), "application/json"; have != want {
				t.Errorf("content type: have: %v, want: %v", have, want)
			}
			var m map[string]interface{}
			if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
				t.Fatal(err)
			}
			if have, want := m["error"], "oops"; have != want {
				t.Errorf("error: have: %v, want: %v", have, want)
			}
			if have, want := len(m), test.wantFields; have != want {
				t.Errorf("fields: have: %v, want: %v", have, want)
			}
		})
	}
}
