package chunkvault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// CompressionAlgorithm identifies the repository-wide chunk compression. The value
// is persisted in the root record, so these constants are format constants.
type CompressionAlgorithm uint8

const (
	// CompressionNone stores chunk plaintext as is
	CompressionNone CompressionAlgorithm = 0
	// CompressionZstd uses zstd at the default level
	CompressionZstd CompressionAlgorithm = 1
	// CompressionLZ4 uses the LZ4 frame format
	CompressionLZ4 CompressionAlgorithm = 2
	// CompressionXZ uses xz/LZMA2, slow but dense
	CompressionXZ CompressionAlgorithm = 3
)

// errDecompressedTooLarge is returned when output exceeds the caller's limit
var errDecompressedTooLarge = errors.New("decompressed chunk exceeds size limit")

// String returns the human-readable name of a compression algorithm
func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionXZ:
		return "xz"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompressionAlgorithm parses a compression algorithm from its name
func ParseCompressionAlgorithm(name string) (CompressionAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "xz", "lzma":
		return CompressionXZ, nil
	default:
		return 0, NewValidationError("compression", name, "unknown compression algorithm")
	}
}

// MarshalText implements encoding.TextMarshaler
func (c CompressionAlgorithm) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CompressionAlgorithm) UnmarshalText(text []byte) error {
	v, err := ParseCompressionAlgorithm(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c CompressionAlgorithm) valid() bool {
	return c <= CompressionXZ
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use; share one of each
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		panic("chunkvault: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(MaxChunkSize)*2),
	)
	if err != nil {
		panic("chunkvault: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses data with algo. Output is a pure function of the input.
// For CompressionNone the input is returned unchanged (no copy).
func Compress(algo CompressionAlgorithm, data []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("xz compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("xz compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, NewValidationError("compression", algo, "unsupported compression algorithm")
	}
}

// Decompress reverses Compress. Output longer than limit bytes is rejected with
// errDecompressedTooLarge; limit <= 0 disables the check.
func Decompress(algo CompressionAlgorithm, data []byte, limit int) ([]byte, error) {
	var out []byte
	switch algo {
	case CompressionNone:
		out = data
	case CompressionZstd:
		var err error
		out, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CompressionLZ4:
		var err error
		out, err = readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
	case CompressionXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
		out, err = readLimited(r, limit)
		if err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
	default:
		return nil, NewValidationError("compression", algo, "unsupported compression algorithm")
	}

	if limit > 0 && len(out) > limit {
		return nil, errDecompressedTooLarge
	}
	return out, nil
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		return nil, errDecompressedTooLarge
	}
	return out, nil
}
