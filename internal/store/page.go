package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Page layout, generalizing the teacher's pager.PageHeader (see
// internal/storage/pager/page.go in the teacher repo) from a B+Tree page
// to a triple-chain page:
//
//	[0]     Ordering     (1 byte)
//	[1]     Codec        (1 byte)
//	[2:4]   Reserved      (2 bytes)
//	[4:8]   Primary       (uint32 LE)
//	[8:12]  TripleCount   (uint32 LE)
//	[12:20] NextChain     (uint64 LE) — PageOffset, 0 = end of chain
//	[20:24] BodyLen       (uint32 LE) — length of (possibly compressed) body
//	[24:28] CRC32         (uint32 LE) — over the full page with this field zeroed
//	[28:32] Reserved      (4 bytes)
//	[32:]                 Body (codec-compressed, delta-encoded triple list)
const (
	DefaultPageSize = 1024
	MinPageSize     = 512
	MaxPageSize     = 64 * 1024

	pageHeaderSize = 32

	pgOffOrdering   = 0
	pgOffCodec      = 1
	pgOffPrimary    = 4
	pgOffCount      = 8
	pgOffNextChain  = 12
	pgOffBodyLen    = 20
	pgOffCRC        = 24
)

// Codec identifies the page-body compression scheme.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecBrotli
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecBrotli:
		return "brotli"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec parses the manifest's "codec" string field.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "brotli":
		return CodecBrotli, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", s)
	}
}

// crcTable is the CRC32-Castagnoli table used by pages, the WAL, and the
// dictionary log, matching the teacher's pager.crcTable choice.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PageChain is the decoded, in-memory form of one page's triple body plus
// its chain-navigation fields.
type PageChain struct {
	Ordering   Ordering
	Primary    ID
	Triples    []Triple // sorted by (secondary, tertiary)
	NextChain  PageOffset
}

// encodePage serializes a PageChain into a fixed-size, CRC-sealed page
// buffer of exactly pageSize bytes. Returns an error if the compressed
// body does not fit.
func encodePage(pc *PageChain, pageSize int, codec Codec) ([]byte, error) {
	body, err := deltaEncodeBody(pc.Ordering, pc.Triples)
	if err != nil {
		return nil, err
	}
	body, err = compress(codec, body)
	if err != nil {
		return nil, err
	}
	if pageHeaderSize+len(body) > pageSize {
		return nil, fmt.Errorf("page body of %d bytes does not fit in page size %d", len(body), pageSize)
	}

	buf := make([]byte, pageSize)
	buf[pgOffOrdering] = byte(pc.Ordering)
	buf[pgOffCodec] = byte(codec)
	putU32(buf[pgOffPrimary:], uint32(pc.Primary))
	putU32(buf[pgOffCount:], uint32(len(pc.Triples)))
	putU64(buf[pgOffNextChain:], uint64(pc.NextChain))
	putU32(buf[pgOffBodyLen:], uint32(len(body)))
	copy(buf[pageHeaderSize:], body)

	setPageCRC(buf)
	return buf, nil
}

// decodePage verifies a page's CRC and decodes its triple body. On CRC
// mismatch it returns ErrCorruptPage without attempting to decode.
func decodePage(buf []byte) (*PageChain, error) {
	if err := verifyPageCRC(buf); err != nil {
		return nil, err
	}
	ordering := Ordering(buf[pgOffOrdering])
	codec := Codec(buf[pgOffCodec])
	primary := ID(getU32(buf[pgOffPrimary:]))
	count := int(getU32(buf[pgOffCount:]))
	next := PageOffset(getU64(buf[pgOffNextChain:]))
	bodyLen := int(getU32(buf[pgOffBodyLen:]))

	if pageHeaderSize+bodyLen > len(buf) {
		return nil, fmt.Errorf("%w: body length %d exceeds page size %d", ErrCorruptPage, bodyLen, len(buf))
	}
	body := buf[pageHeaderSize : pageHeaderSize+bodyLen]

	body, err := decompress(codec, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	triples, err := deltaDecodeBody(ordering, primary, body, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}

	return &PageChain{
		Ordering:  ordering,
		Primary:   primary,
		Triples:   triples,
		NextChain: next,
	}, nil
}

func setPageCRC(buf []byte) {
	putU32(buf[pgOffCRC:], computePageCRC(buf))
}

func computePageCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:pgOffCRC])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[pgOffCRC+4:])
	return h.Sum32()
}

func verifyPageCRC(buf []byte) error {
	if len(buf) < pageHeaderSize {
		return fmt.Errorf("%w: page shorter than header (%d bytes)", ErrCorruptPage, len(buf))
	}
	stored := getU32(buf[pgOffCRC:])
	computed := computePageCRC(buf)
	if stored != computed {
		return fmt.Errorf("%w: CRC mismatch stored=%08x computed=%08x", ErrCorruptPage, stored, computed)
	}
	return nil
}

// deltaEncodeBody sorts a copy of triples by (secondary, tertiary) in the
// given ordering and varint-delta-encodes the secondary/tertiary
// components, generalizing the teacher's overflow/slotted-page varint
// techniques (pager/overflow.go, pager/slotted_page.go) to a flat sorted
// run rather than a B+Tree leaf.
func deltaEncodeBody(o Ordering, triples []Triple) ([]byte, error) {
	var buf bytes.Buffer
	var prevSec, prevTer ID
	sorted := append([]Triple(nil), triples...)
	sortTriplesFor(o, sorted)
	for i, t := range sorted {
		_, sec, ter := o.Permute(t)
		var b [20]byte
		n := 0
		if i == 0 {
			n += binary.PutUvarint(b[n:], uint64(sec))
			n += binary.PutUvarint(b[n:], uint64(ter))
		} else {
			n += binary.PutUvarint(b[n:], zigzag(int64(sec)-int64(prevSec)))
			n += binary.PutUvarint(b[n:], zigzag(int64(ter)-int64(prevTer)))
		}
		buf.Write(b[:n])
		prevSec, prevTer = sec, ter
	}
	return buf.Bytes(), nil
}

func deltaDecodeBody(o Ordering, primary ID, body []byte, count int) ([]Triple, error) {
	r := bytes.NewReader(body)
	triples := make([]Triple, 0, count)
	var sec, ter ID
	for i := 0; i < count; i++ {
		if i == 0 {
			s, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("decode secondary: %w", err)
			}
			t, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("decode tertiary: %w", err)
			}
			sec, ter = ID(s), ID(t)
		} else {
			ds, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("decode delta secondary: %w", err)
			}
			dt, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("decode delta tertiary: %w", err)
			}
			sec = ID(int64(sec) + unzigzag(ds))
			ter = ID(int64(ter) + unzigzag(dt))
		}
		triples = append(triples, o.Unpermute(primary, sec, ter))
	}
	return triples, nil
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func compress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

func decompress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecBrotli:
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("brotli decompress: %w", err)
		}
		return out, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}
