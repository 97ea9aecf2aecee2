// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Windlass's standard CBOR encoding
// configuration.
//
// Windlass uses two serialization formats with a clear boundary:
// JSON (with comments, via JSONC) for operator-authored files such as
// seeds, and CBOR for binary on-disk structures — today that is the
// snapshot file header. This package provides the shared CBOR
// encoding and decoding modes so every package encodes identically
// without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes, which keeps snapshot headers
// byte-comparable across runs.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
package codec
