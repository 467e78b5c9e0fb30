// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()
	value := map[string]any{
		"zebra":  1,
		"apple":  "two",
		"middle": []int{3, 4, 5},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("same value produced different encodings:\n%x\n%x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	encoded, err := Marshal(map[string]any{
		"known":   "value",
		"unknown": "extra",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Known != "value" {
		t.Errorf("known field: got %q, want %q", decoded.Known, "value")
	}
}

func TestAnyTargetDecodesStringKeyedMaps(t *testing.T) {
	t.Parallel()
	encoded, err := Marshal(map[string]any{"nested": map[string]any{"key": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type: got %T, want map[string]any", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Errorf("nested type: got %T, want map[string]any", outer["nested"])
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)

	values := []string{"first", "second", "third"}
	for _, value := range values {
		if err := encoder.Encode(value); err != nil {
			t.Fatalf("Encode(%q): %v", value, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for _, want := range values {
		var got string
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("decoded: got %q, want %q", got, want)
		}
	}
}
