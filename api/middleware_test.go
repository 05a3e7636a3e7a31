package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestWithBody tests the JSON body parsing and validation middleware
func TestWithBody(t *testing.T) {
	type testRequest struct {
		Value int `json:"value"`
	}

	tests := []struct {
		name           string
		body           string
		validate       func(*testRequest) error
		wantStatusCode int
		wantBodyMatch  string
		wantCalls      int
		wantValue      int
	}{
		{
			name: "valid JSON without validation passes through",
			body: `{"value": 42}`,
			validate: func(req *testRequest) error {
				return nil
			},
			wantStatusCode: http.StatusOK,
			wantCalls:      1,
			wantValue:      42,
		},
		{
			name: "valid JSON with nil validation passes through",
			body: `{"value": 99}`,
			validate: func(req *testRequest) error {
				return nil
			},
			wantStatusCode: http.StatusOK,
			wantCalls:      1,
			wantValue:      99,
		},
		{
			name:           "invalid JSON returns 400 Bad Request",
			body:           `{invalid json}`,
			validate:       nil,
			wantStatusCode: http.StatusBadRequest,
			wantBodyMatch:  "invalid JSON payload",
			wantCalls:      0,
		},
		{
			name: "validation error returns 400 Bad Request",
			body: `{"value": -1}`,
			validate: func(req *testRequest) error {
				if req.Value < 0 {
					return http.ErrAbortHandler
				}
				return nil
			},
			wantStatusCode: http.StatusBadRequest,
			wantBodyMatch:  "http: abort",
			wantCalls:      0,
		},
		{
			name:           "empty body returns 400 Bad Request",
			body:           ``,
			validate:       nil,
			wantStatusCode: http.StatusBadRequest,
			wantBodyMatch:  "invalid JSON payload",
			wantCalls:      0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var receivedValue int

			nextFunc := func(w http.ResponseWriter, r *http.Request, req *testRequest) {
				calls++
				receivedValue = req.Value
				w.WriteHeader(http.StatusOK)
			}

			handler := withBody(tt.validate, nextFunc)

			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.wantStatusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatusCode)
			}

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}

			if tt.wantCalls > 0 && receivedValue != tt.wantValue {
				t.Errorf("value = %d, want %d", receivedValue, tt.wantValue)
			}

			if tt.wantBodyMatch != "" {
				body := w.Body.String()
				if !strings.Contains(body, tt.wantBodyMatch) {
					t.Errorf("body = %q, want to contain %q", body, tt.wantBodyMatch)
				}
			}
		})
	}
}

func TestWithOptionalBody(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		wantStatusCode int
		wantZones      int
	}{
		{name: "empty body is the zero value", body: ``, wantStatusCode: http.StatusOK},
		{name: "zones decoded", body: `{"zones":[{"width":10,"height":10}]}`, wantStatusCode: http.StatusOK, wantZones: 1},
		{name: "invalid JSON still fails", body: `{"zones":`, wantStatusCode: http.StatusBadRequest},
		{name: "validation still runs", body: `{"zones":[{"width":10}]}`, wantStatusCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var got *zonesRequest
			handler := withOptionalBody(validateZones, func(w http.ResponseWriter, r *http.Request, req *zonesRequest) {
				got = req
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.wantStatusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatusCode)
			}
			if tt.wantStatusCode == http.StatusOK && len(got.Zones) != tt.wantZones {
				t.Errorf("zones = %d, want %d", len(got.Zones), tt.wantZones)
			}
		})
	}
}

func TestValidateInvoke(t *testing.T) {
	tests := []struct {
		name    string
		req     invokeRequest
		wantErr bool
	}{
		{name: "complete", req: invokeRequest{Sender: ":1.2", ID: "n", Action: "open"}},
		{name: "missing sender", req: invokeRequest{ID: "n", Action: "open"}, wantErr: true},
		{name: "missing id", req: invokeRequest{Sender: ":1.2", Action: "open"}, wantErr: true},
		{name: "missing action", req: invokeRequest{Sender: ":1.2", ID: "n"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := validateInvoke(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
