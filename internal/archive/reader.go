// Package archive streams entries out of zip archives that arrive over the
// network, without buffering the whole archive or requiring random access.
package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	localHeaderSig   = 0x04034b50
	centralDirSig    = 0x02014b50
	endOfCentralSig  = 0x06054b50
	dataDescSig      = 0x08074b50
	localHeaderLen   = 30
	zip64ExtraID     = 0x0001
	flagDataDesc     = 0x8
	flagEncrypted    = 0x1
	methodStore      = 0
	methodDeflate    = 8
	sizeUnknown32    = 0xffffffff
	dataDescNoSigLen = 12
)

var (
	ErrEmptyArchive      = errors.New("archive has no entries")
	ErrNotArchive        = errors.New("not a zip archive")
	ErrUnsupportedMethod = errors.New("unsupported compression method")
	ErrUnknownSize       = errors.New("stored entry without size cannot be streamed")
	ErrEncrypted         = errors.New("encrypted entries are not supported")
	ErrChecksum          = errors.New("entry checksum mismatch")
)

// Entry is the content of one archive member. Reading yields decompressed
// bytes; Close releases the decompressor and the underlying source.
type Entry struct {
	Name             string
	Method           uint16
	UncompressedSize int64 // -1 when the header does not carry it

	r      io.Reader
	closer []io.Closer
}

func (e *Entry) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// Close closes the decompressor and the source stream.
func (e *Entry) Close() error {
	var first error
	for _, c := range e.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FirstEntry positions src at the first member of a zip archive. The returned
// Entry owns src.
func FirstEntry(src io.ReadCloser) (*Entry, error) {
	br := bufio.NewReader(src)

	var hdr [localHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:4]); err != nil {
		src.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEmptyArchive
		}
		return nil, fmt.Errorf("read signature: %w", err)
	}
	switch binary.LittleEndian.Uint32(hdr[:4]) {
	case localHeaderSig:
	case centralDirSig, endOfCentralSig:
		src.Close()
		return nil, ErrEmptyArchive
	default:
		src.Close()
		return nil, ErrNotArchive
	}
	if _, err := io.ReadFull(br, hdr[4:]); err != nil {
		src.Close()
		return nil, fmt.Errorf("read local header: %w", err)
	}

	flags := binary.LittleEndian.Uint16(hdr[6:8])
	method := binary.LittleEndian.Uint16(hdr[8:10])
	crc := binary.LittleEndian.Uint32(hdr[14:18])
	compSize := int64(binary.LittleEndian.Uint32(hdr[18:22]))
	size := int64(binary.LittleEndian.Uint32(hdr[22:26]))
	nameLen := int(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(hdr[28:30]))

	meta := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(br, meta); err != nil {
		src.Close()
		return nil, fmt.Errorf("read entry name: %w", err)
	}

	if flags&flagEncrypted != 0 {
		src.Close()
		return nil, ErrEncrypted
	}

	if compSize == sizeUnknown32 || size == sizeUnknown32 {
		size, compSize = zip64Sizes(meta[nameLen:], size, compSize)
	}

	e := &Entry{
		Name:             string(meta[:nameLen]),
		Method:           method,
		UncompressedSize: size,
	}
	descriptor := flags&flagDataDesc != 0
	if descriptor {
		e.UncompressedSize = -1
	}

	switch method {
	case methodStore:
		if descriptor && compSize == 0 {
			src.Close()
			return nil, ErrUnknownSize
		}
		e.r = &checksumReader{r: io.LimitReader(br, compSize), hash: crc32.NewIEEE(), want: crc}
		e.closer = []io.Closer{src}
	case methodDeflate:
		var in io.Reader = br
		if !descriptor {
			in = bufio.NewReader(io.LimitReader(br, compSize))
		}
		fr := flate.NewReader(in)
		cr := &checksumReader{r: fr, hash: crc32.NewIEEE(), want: crc}
		if descriptor {
			cr.trailer = br
		}
		e.r = cr
		e.closer = []io.Closer{fr, src}
	default:
		src.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMethod, method)
	}
	return e, nil
}

// zip64Sizes reads the sizes from a zip64 extended information field. Only
// the values that were saturated in the local header are present.
func zip64Sizes(extra []byte, size, compSize int64) (int64, int64) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[:2])
		n := int(binary.LittleEndian.Uint16(extra[2:4]))
		extra = extra[4:]
		if n > len(extra) {
			break
		}
		field := extra[:n]
		extra = extra[n:]
		if id != zip64ExtraID {
			continue
		}
		if size == sizeUnknown32 && len(field) >= 8 {
			size = int64(binary.LittleEndian.Uint64(field[:8]))
			field = field[8:]
		}
		if compSize == sizeUnknown32 && len(field) >= 8 {
			compSize = int64(binary.LittleEndian.Uint64(field[:8]))
		}
	}
	return size, compSize
}

// checksumReader verifies the CRC-32 of the data it passes through once the
// underlying reader is exhausted. When trailer is set the expected value is
// read from the data descriptor that follows the compressed data.
type checksumReader struct {
	r       io.Reader
	hash    hash.Hash32
	want    uint32
	trailer io.Reader
	done    bool
}

func (c *checksumReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	n, err := c.r.Read(p)
	c.hash.Write(p[:n])
	if err != io.EOF {
		return n, err
	}
	c.done = true

	want := c.want
	if c.trailer != nil {
		w, terr := readDescriptorCRC(c.trailer)
		if terr != nil {
			return n, fmt.Errorf("read data descriptor: %w", terr)
		}
		want = w
	}
	if c.hash.Sum32() != want {
		return n, ErrChecksum
	}
	return n, io.EOF
}

func readDescriptorCRC(r io.Reader) (uint32, error) {
	var buf [dataDescNoSigLen]byte
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(buf[:4]) != dataDescSig {
		return binary.LittleEndian.Uint32(buf[:4]), nil
	}
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:4]), nil
}
