package executor

import (
	"encoding/json"
	"testing"
)

func TestDecodeParamsEmptyRawReturnsZeroValue(t *testing.T) {
	got, err := decodeParams[TapParams](nil)
	if err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if got != (TapParams{}) {
		t.Errorf("got %+v, want zero value", got)
	}
}

func TestDecodeParamsTap(t *testing.T) {
	raw := json.RawMessage(`{"x":10,"y":20}`)
	got, err := decodeParams[TapParams](raw)
	if err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if got.X != 10 || got.Y != 20 {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeParamsInvalidJSON(t *testing.T) {
	raw := json.RawMessage(`{not json`)
	if _, err := decodeParams[TapParams](raw); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
