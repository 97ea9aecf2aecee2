// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot writes and restores consistent online backups of
// the database.
//
// A snapshot file is a magic string, a uvarint-length-prefixed CBOR
// header, and the compressed database image. The image comes from
// VACUUM INTO, which produces a consistent, defragmented copy without
// blocking WAL readers. The header carries a BLAKE3 checksum of the
// uncompressed image, verified on restore before the target file is
// touched.
//
// Restore never runs against an open pool: it replaces the database
// file by atomic rename, which a live connection would not observe.
// The operator tool runs it with the application stopped.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/windlass-media/windlass/lib/codec"
	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// magic identifies a Windlass snapshot file. Eight bytes, first in
// the file.
const magic = "WLSNAP1\n"

// sqliteMagic is the header every SQLite database file starts with.
// Checked on restore as a final sanity gate after checksum
// verification.
const sqliteMagic = "SQLite format 3\x00"

// maxHeaderSize caps the declared header length on restore. Real
// headers are under a kilobyte; anything larger is a corrupt or
// hostile file.
const maxHeaderSize = 1 << 20

// maxExpansionRatio caps the declared uncompressed size relative to
// the payload actually read. Database images do not compress anywhere
// near this far; a header claiming more is corrupt or hostile, and
// trusting it would size an allocation off attacker-controlled input.
const maxExpansionRatio = 1 << 10

// formatVersion is written into every header and checked on restore.
const formatVersion = 1

// Header describes one snapshot. It is CBOR-encoded (deterministic
// encoding via lib/codec) between the magic and the payload.
type Header struct {
	// FormatVersion is the snapshot file format version.
	FormatVersion int `cbor:"format_version"`

	// CreatedAt is when the snapshot was taken, UTC.
	CreatedAt time.Time `cbor:"created_at"`

	// Compression is the algorithm applied to the payload.
	Compression Compression `cbor:"compression"`

	// UncompressedSize is the database image size in bytes.
	UncompressedSize int64 `cbor:"uncompressed_size"`

	// Checksum is the BLAKE3-256 digest of the uncompressed image.
	Checksum []byte `cbor:"checksum"`

	// PageCount and PageSize describe the vacuumed image, for
	// diagnostics; the checksum is what restore trusts.
	PageCount int64 `cbor:"page_count"`
	PageSize  int64 `cbor:"page_size"`
}

// Options controls snapshot creation.
type Options struct {
	// Compression selects the payload compression. Zero selects
	// DefaultCompression. Incompressible payloads fall back to None
	// regardless.
	Compression Compression
}

// Create takes a consistent snapshot of the database behind conn and
// writes it to dst. The connection must not have an open transaction
// (VACUUM INTO refuses to run inside one). Returns the header that
// was written.
func Create(ctx context.Context, conn *sqlitedb.Conn, dst io.Writer, opts Options) (*Header, error) {
	if conn.InTransaction() {
		return nil, &sqlitedb.InvalidStateError{Op: "snapshot", Reason: "cannot run inside a transaction"}
	}
	tag := opts.Compression
	if tag == 0 {
		tag = DefaultCompression
	}
	switch tag {
	case None, LZ4, Zstd:
	default:
		return nil, &sqlitedb.ConfigurationError{Reason: fmt.Sprintf("unknown compression tag %d", tag)}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: interrupted: %w", err)
	}

	// VACUUM INTO requires its target not to exist, so reserve a
	// fresh directory rather than a file.
	tmpDir, err := os.MkdirTemp("", "windlass-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("snapshot: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	imagePath := filepath.Join(tmpDir, "image.db")

	if _, err := conn.Execute("VACUUM INTO ?", imagePath); err != nil {
		return nil, err
	}
	pageSize, err := fetchPageSize(conn)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: interrupted after vacuum: %w", err)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading image: %w", err)
	}
	checksum := blake3.Sum256(data)

	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag = None
		payload = data
	} else if err != nil {
		return nil, err
	}

	header := &Header{
		FormatVersion:    formatVersion,
		CreatedAt:        time.Now().UTC(),
		Compression:      tag,
		UncompressedSize: int64(len(data)),
		Checksum:         checksum[:],
		PageSize:         pageSize,
	}
	if pageSize > 0 {
		header.PageCount = int64(len(data)) / pageSize
	}

	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encoding header: %w", err)
	}

	out := make([]byte, 0, len(magic)+binary.MaxVarintLen64+len(headerBytes))
	out = append(out, magic...)
	out = binary.AppendUvarint(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	if _, err := dst.Write(out); err != nil {
		return nil, fmt.Errorf("snapshot: writing header: %w", err)
	}
	if _, err := dst.Write(payload); err != nil {
		return nil, fmt.Errorf("snapshot: writing payload: %w", err)
	}
	return header, nil
}

// Restore reads a snapshot from src, verifies it end to end, and
// atomically replaces the file at targetPath with the restored
// database. The target is never touched until the image has passed
// checksum and format verification; a half-written restore leaves
// only a temp file in the target's directory.
func Restore(ctx context.Context, src io.Reader, targetPath string) (*Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: restore interrupted: %w", err)
	}
	reader := bufio.NewReader(src)

	prefix := make([]byte, len(magic))
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, fmt.Errorf("snapshot: reading magic: %w", err)
	}
	if string(prefix) != magic {
		return nil, fmt.Errorf("snapshot: not a snapshot file (bad magic)")
	}

	headerLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("snapshot: header length %d exceeds limit", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return nil, fmt.Errorf("snapshot: reading header: %w", err)
	}
	var header Header
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("snapshot: decoding header: %w", err)
	}
	if header.FormatVersion != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", header.FormatVersion)
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: restore interrupted: %w", err)
	}

	// The size field comes from the file and is untrusted until the
	// checksum passes, but decompression allocates from it. Bound it
	// before use.
	if header.UncompressedSize < 0 ||
		header.UncompressedSize > int64(len(payload))*maxExpansionRatio {
		return nil, fmt.Errorf("snapshot: implausible uncompressed size %d for a %d byte payload",
			header.UncompressedSize, len(payload))
	}

	data, err := decompress(payload, header.Compression, int(header.UncompressedSize))
	if err != nil {
		return nil, err
	}
	checksum := blake3.Sum256(data)
	if !bytes.Equal(checksum[:], header.Checksum) {
		return nil, fmt.Errorf("snapshot: checksum mismatch, refusing to restore")
	}
	if len(data) < len(sqliteMagic) || string(data[:len(sqliteMagic)]) != sqliteMagic {
		return nil, fmt.Errorf("snapshot: restored image is not a SQLite database")
	}

	// Write next to the target so the final rename stays on one
	// filesystem and is atomic.
	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, ".windlass-restore-*")
	if err != nil {
		return nil, fmt.Errorf("snapshot: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return nil, fmt.Errorf("snapshot: writing restored image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("snapshot: syncing restored image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: closing restored image: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: replacing %s: %w", targetPath, err)
	}
	return &header, nil
}

func fetchPageSize(conn *sqlitedb.Conn) (int64, error) {
	row, ok, err := conn.FetchOne("PRAGMA page_size")
	if err != nil || !ok {
		return 0, err
	}
	size, _ := row["page_size"].(int64)
	return size, nil
}
