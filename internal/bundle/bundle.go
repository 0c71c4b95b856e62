// Package bundle implements the signed update-bundle format: a
// line-oriented file carrying a header, zero or more file entries, and
// a trailing RSA-signed signature line. Parsing never trusts a
// bundle-supplied hash — every FileDescriptor's digest is recomputed
// from the decoded body.
package bundle

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tcerrors "github.com/warped-pinball/trench-coat/internal/errors"
)

// FormatVersion is the only update_file_format value this codec
// accepts.
const FormatVersion = "1.0"

// FileDescriptor is the in-memory representation of one bundle entry.
// SHA256Hex is always recomputed from the decoded Body — it is never
// taken from the bundle's own metadata.
type FileDescriptor struct {
	Path      string
	Execute   bool
	Body      []byte
	SHA256Hex string
}

// Bundle is the parsed, verified result of Load.
type Bundle struct {
	FormatVersion string
	Files         []FileDescriptor
}

type fileMetadata struct {
	Execute bool `json:"execute"`
}

type signatureMetadata struct {
	SHA256    string `json:"sha256"`
	Signature string `json:"signature"`
}

type header struct {
	UpdateFileFormat string `json:"update_file_format"`
}

// Load parses path into a Bundle without verifying its signature; call
// Verify first if the caller needs the fail-closed guarantee before
// trusting the parsed files.
func Load(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &tcerrors.ConfigError{Msg: "reading bundle", Err: err}
	}
	return parse(raw)
}

func parse(raw []byte) (*Bundle, error) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, &tcerrors.ConfigError{Msg: "empty bundle"}
	}

	var hdr header
	if err := json.Unmarshal([]byte(lines[0]), &hdr); err != nil {
		return nil, &tcerrors.ConfigError{Msg: "bundle header is not valid JSON", Err: err}
	}
	if hdr.UpdateFileFormat != FormatVersion {
		return nil, &tcerrors.ConfigError{Msg: fmt.Sprintf("unsupported update_file_format %q", hdr.UpdateFileFormat)}
	}

	b := &Bundle{FormatVersion: hdr.UpdateFileFormat}

	body := lines[1:]
	for i, line := range body {
		if strings.TrimSpace(line) == "" {
			continue
		}
		isLast := i == len(body)-1
		path, metaJSON, b64Body, err := splitEntry(line)
		if err != nil {
			return nil, &tcerrors.ConfigError{Msg: "malformed bundle entry", Err: err}
		}

		if path == "" {
			if !isLast {
				// An empty-path entry before the signature line is
				// ignored; only the final empty-path entry is the signature line.
				continue
			}
			// This is the signature line; it is parsed by Verify, not
			// here, so it never becomes a FileDescriptor.
			continue
		}

		var meta fileMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, &tcerrors.ConfigError{Msg: fmt.Sprintf("malformed metadata for %q", path), Err: err}
		}

		decoded, err := base64.StdEncoding.DecodeString(b64Body)
		if err != nil {
			return nil, &tcerrors.ConfigError{Msg: fmt.Sprintf("malformed base64 body for %q", path), Err: err}
		}
		sum := sha256.Sum256(decoded)

		b.Files = append(b.Files, FileDescriptor{
			Path:      path,
			Execute:   meta.Execute,
			Body:      decoded,
			SHA256Hex: hex.EncodeToString(sum[:]),
		})
	}

	return b, nil
}

// splitEntry splits a non-header line of the shape
// <filename>{<json_metadata>}<base64_body> at the first '{' and the
// first '}' after it. Per-file metadata JSON is guaranteed not to
// contain '}' in its values.
func splitEntry(line string) (path, metaJSON, b64Body string, err error) {
	open := strings.IndexByte(line, '{')
	if open < 0 {
		return "", "", "", fmt.Errorf("no metadata object found")
	}
	closeIdx := strings.IndexByte(line[open:], '}')
	if closeIdx < 0 {
		return "", "", "", fmt.Errorf("unterminated metadata object")
	}
	closeIdx += open
	return line[:open], line[open : closeIdx+1], line[closeIdx+1:], nil
}

func splitLines(raw []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// Verify implements the bundle's Verify(path) -> bool contract, returning
// a SignatureError instead of a bare bool so callers get a message
// worth printing. It fails closed on any verification error.
func Verify(path string, pub *rsa.PublicKey) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &tcerrors.ConfigError{Msg: "reading bundle", Err: err}
	}

	lines := splitLines(raw)
	if len(lines) == 0 {
		return &tcerrors.SignatureError{Msg: "empty bundle"}
	}
	sigLine := lastNonEmpty(lines)
	if sigLine == "" {
		return &tcerrors.SignatureError{Msg: "no signature line found"}
	}

	_, metaJSON, _, err := splitEntry(sigLine)
	if err != nil {
		return &tcerrors.SignatureError{Msg: "malformed signature line", Err: err}
	}
	var sigMeta signatureMetadata
	if err := json.Unmarshal([]byte(metaJSON), &sigMeta); err != nil {
		return &tcerrors.SignatureError{Msg: "malformed signature metadata", Err: err}
	}
	if sigMeta.SHA256 == "" || sigMeta.Signature == "" {
		return &tcerrors.SignatureError{Msg: "signature line missing sha256 or signature key"}
	}
	if strings.ContainsAny(sigMeta.Signature, "\n\r") {
		// Reject embedded newlines in the signature base64 rather than
		// accept a multi-line encoding silently.
		return &tcerrors.SignatureError{Msg: "signature base64 must be single-line"}
	}

	sigLineBytes := len(sigLine)
	contentEnd := len(raw) - (sigLineBytes + 1)
	if contentEnd < 0 || contentEnd > len(raw) {
		return &tcerrors.SignatureError{Msg: "bundle shorter than its own signature line"}
	}

	content := strings.TrimRight(string(raw[:contentEnd]), " \t\r\n")
	calculated := sha256.Sum256([]byte(content))
	calculatedHex := hex.EncodeToString(calculated[:])

	if !strings.EqualFold(calculatedHex, sigMeta.SHA256) {
		return &tcerrors.SignatureError{Msg: "content hash does not match signature line"}
	}

	sig, err := base64.StdEncoding.DecodeString(sigMeta.Signature)
	if err != nil {
		return &tcerrors.SignatureError{Msg: "malformed signature base64", Err: err}
	}

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, calculated[:], sig); err != nil {
		return &tcerrors.SignatureError{Msg: "RSA signature verification failed", Err: err}
	}
	return nil
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
