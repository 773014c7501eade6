package region

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is the compression scheme tag stored in each chunk body.
type Format byte

// Format tags. The high bit marks a chunk stored in an external file.
const (
	FormatGzip         Format = 1
	FormatDeflate      Format = 2
	FormatUncompressed Format = 3
	FormatLZ4          Format = 4
	FormatCustom       Format = 127

	externalFlag byte = 0x80
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatDeflate:
		return "deflate"
	case FormatUncompressed:
		return "none"
	case FormatLZ4:
		return "lz4"
	case FormatCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", byte(f))
	}
}

// ParseFormat parses a format name as used on command lines. Names of
// registered custom codecs select FormatCustom.
func ParseFormat(s string) (Format, string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gzip":
		return FormatGzip, "", nil
	case "deflate", "zlib", "":
		return FormatDeflate, "", nil
	case "none", "uncompressed":
		return FormatUncompressed, "", nil
	case "lz4":
		return FormatLZ4, "", nil
	}
	name := strings.ToLower(strings.TrimSpace(s))
	if _, ok := lookupCustom(name); ok {
		return FormatCustom, name, nil
	}
	return 0, "", fmt.Errorf("unknown compression format %q", s)
}

// Codec wraps streams for one compression scheme.
type Codec interface {
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

type gzipCodec struct{}

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil }
func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

type zlibCodec struct{}

func (zlibCodec) NewWriter(w io.Writer) (io.WriteCloser, error) { return zlib.NewWriter(w), nil }
func (zlibCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }

type rawCodec struct{}

func (rawCodec) NewWriter(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil }
func (rawCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }

type lz4Codec struct{}

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil }
func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

type zstdCodec struct{}

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type snappyCodec struct{}

func (snappyCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var builtinCodecs = map[Format]Codec{
	FormatGzip:         gzipCodec{},
	FormatDeflate:      zlibCodec{},
	FormatUncompressed: rawCodec{},
	FormatLZ4:          lz4Codec{},
}

var (
	customMu     sync.RWMutex
	customCodecs = map[string]Codec{
		"zstd":   zstdCodec{},
		"snappy": snappyCodec{},
	}
)

// RegisterCustomCodec makes a named codec available under FormatCustom.
// Names are negotiated out of band: a reader must register the same name.
func RegisterCustomCodec(name string, c Codec) {
	customMu.Lock()
	defer customMu.Unlock()
	customCodecs[customName(name)] = c
}

// customName is the canonical form of a codec name, as stored on disk.
func customName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CustomCodecNames lists the registered custom codec names, sorted.
func CustomCodecNames() []string {
	customMu.RLock()
	defer customMu.RUnlock()
	names := make([]string, 0, len(customCodecs))
	for n := range customCodecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupCustom(name string) (Codec, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	c, ok := customCodecs[customName(name)]
	return c, ok
}

// Compression selects the format used for new writes.
type Compression struct {
	Format Format
	Name   string // custom codec name, FormatCustom only
}

func (c Compression) String() string {
	if c.Format == FormatCustom {
		return "custom:" + c.Name
	}
	return c.Format.String()
}

// compress encodes data with c, appending to dst. For FormatCustom the
// codec name is written first as a 2-byte big-endian length plus bytes.
func (c Compression) compress(dst io.Writer, data []byte) error {
	codec, err := c.codec()
	if err != nil {
		return err
	}
	if c.Format == FormatCustom {
		name := customName(c.Name)
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(name)))
		if _, err := dst.Write(n[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(dst, name); err != nil {
			return err
		}
	}
	w, err := codec.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("%s writer: %w", c, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("%s compress: %w", c, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%s compress: %w", c, err)
	}
	return nil
}

func (c Compression) codec() (Codec, error) {
	if c.Format == FormatCustom {
		codec, ok := lookupCustom(c.Name)
		if !ok {
			return nil, fmt.Errorf("%w: unregistered custom codec %q", ErrUnknownFormat, c.Name)
		}
		return codec, nil
	}
	codec, ok := builtinCodecs[c.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, byte(c.Format))
	}
	return codec, nil
}

// decompressor returns a reader of the decoded payload for a body stream
// tagged with f. Custom bodies carry their codec name inline.
func decompressor(f Format, r io.Reader) (io.ReadCloser, error) {
	if f == FormatCustom {
		var n [2]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("%w: custom codec name: %v", ErrCorrupt, err)
		}
		name := make([]byte, binary.BigEndian.Uint16(n[:]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("%w: custom codec name: %v", ErrCorrupt, err)
		}
		codec, ok := lookupCustom(string(name))
		if !ok {
			return nil, fmt.Errorf("%w: unregistered custom codec %q", ErrUnknownFormat, name)
		}
		return codec.NewReader(r)
	}
	codec, ok := builtinCodecs[f]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, byte(f))
	}
	return codec.NewReader(r)
}

// knownFormat reports whether a stored tag (external flag stripped) is readable.
func knownFormat(f Format) bool {
	if f == FormatCustom {
		return true
	}
	_, ok := builtinCodecs[f]
	return ok
}
