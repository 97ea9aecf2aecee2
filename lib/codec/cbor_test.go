// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

// sampleHeader mirrors the shape of a binary file header: scalar
// fields, a byte slice, a timestamp.
type sampleHeader struct {
	FormatVersion int       `cbor:"format_version"`
	CreatedAt     time.Time `cbor:"created_at"`
	Checksum      []byte    `cbor:"checksum"`
	Size          int64     `cbor:"size"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleHeader{
		FormatVersion: 1,
		CreatedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Checksum:      []byte{0xde, 0xad, 0xbe, 0xef},
		Size:          4096,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleHeader
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.FormatVersion != original.FormatVersion ||
		!decoded.CreatedAt.Equal(original.CreatedAt) ||
		!bytes.Equal(decoded.Checksum, original.Checksum) ||
		decoded.Size != original.Size {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	// Map iteration order is random in Go; deterministic encoding
	// must still produce identical bytes on every call.
	value := map[string]any{
		"zebra":    1,
		"aardvark": 2,
		"mongoose": 3,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal attempt %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic encoding: %x != %x", first, again)
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A newer writer may add header fields; an older reader must
	// still decode the ones it knows.
	extended := struct {
		FormatVersion int    `cbor:"format_version"`
		Size          int64  `cbor:"size"`
		Future        string `cbor:"future_field"`
	}{FormatVersion: 2, Size: 10, Future: "ignore me"}

	data, err := Marshal(extended)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleHeader
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.FormatVersion != 2 || decoded.Size != 10 {
		t.Errorf("decoded = %+v, want FormatVersion 2 Size 10", decoded)
	}
}

func TestAnyDecodingUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded top level is %T, want map[string]any", decoded)
	}
	if _, ok := top["nested"].(map[string]any); !ok {
		t.Fatalf("nested value is %T, want map[string]any", top["nested"])
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)

	headers := []sampleHeader{
		{FormatVersion: 1, Size: 100},
		{FormatVersion: 1, Size: 200},
	}
	for _, header := range headers {
		if err := encoder.Encode(header); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range headers {
		var got sampleHeader
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got.Size != want.Size {
			t.Errorf("item %d: Size = %d, want %d", i, got.Size, want.Size)
		}
	}
}
