package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Upload errors reported to the client.
var (
	ErrUploadTooLarge = errors.New("file too large")
	ErrUploadEncoding = errors.New("file data is not valid base64")
	ErrUploadName     = errors.New("invalid filename")
)

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeUpload decodes standard or URL-safe base64, padded or not. A data
// URL prefix is stripped and its media type returned. max bounds the decoded size.
func decodeUpload(data string, max int) ([]byte, string, error) {
	var mime string
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ","); i > 0 {
			meta := data[len("data:"):i]
			mime, _, _ = strings.Cut(meta, ";")
			data = data[i+1:]
		}
	}
	data = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, data)

	if max > 0 && base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(data, "="))) > max {
		return nil, mime, ErrUploadTooLarge
	}
	for _, enc := range base64Encodings {
		if out, err := enc.DecodeString(data); err == nil {
			return out, mime, nil
		}
	}
	return nil, mime, ErrUploadEncoding
}

// safeFilename strips any directory part of a client-supplied name.
func safeFilename(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", ErrUploadName
	}
	return base, nil
}

// contentHash is the hex BLAKE2b-256 digest of data.
func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeUpload stores data at path. When offload is set the write runs on its
// own goroutine and the caller waits on it or ctx, so a slow disk never
// holds the connection past cancellation.
func writeUpload(ctx context.Context, path string, data []byte, offload bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	if !offload {
		return writeFile(path, data)
	}
	done := make(chan error, 1)
	go func() {
		done <- writeFile(path, data)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write %s: %w", filepath.Base(path), ctx.Err())
	}
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
