package api

import (
	"bytes"
	"net/http/httptest"
	"testing"
)

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"a","extra":"b"}`))
	w := httptest.NewRecorder()

	if err := decodeJSON(w, req, &v); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestDecodeJSONAcceptsKnownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"a"}`))
	w := httptest.NewRecorder()

	if err := decodeJSON(w, req, &v); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if v.Name != "a" {
		t.Errorf("Name: got %q, want a", v.Name)
	}
}
