/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archival

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jordigilh/audittrail/pkg/audit"
)

// serializeRecords encodes the batch per the configured format. The output
// bytes feed the original checksum, so encoding must be deterministic for a
// given record set.
func serializeRecords(records []*audit.Record, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("serialize records as json: %w", err)
		}
		return data, nil

	case FormatJSONL:
		var buf bytes.Buffer
		for i, record := range records {
			line, err := json.Marshal(record)
			if err != nil {
				return nil, fmt.Errorf("serialize record %d as jsonl: %w", i, err)
			}
			buf.Write(line)
			if i < len(records)-1 {
				buf.WriteByte('\n')
			}
		}
		return buf.Bytes(), nil

	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

// deserializeRecords decodes bytes produced by serializeRecords.
func deserializeRecords(data []byte, format string) ([]*audit.Record, error) {
	switch format {
	case FormatJSON:
		var records []*audit.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("deserialize json archive: %w", err)
		}
		return records, nil

	case FormatJSONL:
		var records []*audit.Record
		for i, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var record audit.Record
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				return nil, fmt.Errorf("deserialize jsonl archive line %d: %w", i, err)
			}
			records = append(records, &record)
		}
		return records, nil

	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

// compressData applies the configured algorithm. Level 0-9 per the flate
// scale; none is the identity.
func compressData(data []byte, algorithm string, level int) ([]byte, error) {
	if level < 0 || level > 9 {
		return nil, fmt.Errorf("compression level %d outside 0-9", level)
	}

	switch algorithm {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("finish gzip stream: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("create deflate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("deflate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("finish deflate stream: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, &UnsupportedCompressionError{Algorithm: algorithm}
	}
}

// decompressData reverses compressData using the algorithm recorded in the
// archive metadata.
func decompressData(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil

	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("deflate decompress: %w", err)
		}
		return out, nil

	default:
		return nil, &UnsupportedCompressionError{Algorithm: algorithm}
	}
}

// checksum returns the lowercase hex SHA-256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
