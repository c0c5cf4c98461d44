package zipfmt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record signatures. All begin with the two byte marker "PK".
const (
	sigLocalFileHeader     uint32 = 0x04034b50
	sigCentralDirectory    uint32 = 0x02014b50
	sigEndOfCentralDir     uint32 = 0x06054b50
	sigZip64EndOfCentral   uint32 = 0x06064b50
	sigZip64EndOfCentralLo uint32 = 0x07064b50
)

const (
	localHeaderLen   = 30 // fixed portion of a local file header
	centralDirLen    = 46 // fixed portion of a central directory entry
	directoryEndLen  = 22 // EOCD without comment
	zip64LocatorLen  = 20
	zip64EndFixedLen = 56 // fixed portion of the zip64 EOCD record

	// zip64ExtraTag identifies the Zip64 extended information extra field.
	zip64ExtraTag uint16 = 0x0001

	// sentinel32 and sentinel16 mark fields deferred to the zip64 record.
	sentinel32 = 0xFFFFFFFF
	sentinel16 = 0xFFFF
)

// Compression methods used by this container profile.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
)

// endOfCentralDir is the parsed EOCD record, already merged with the zip64
// record when the 32-bit fields carried sentinel values.
type endOfCentralDir struct {
	diskNumber     uint32
	entryCount     uint64
	centralDirSize uint64
	centralDirOff  uint64
	commentLen     uint16
}

func parseEndOfCentralDir(buf []byte) endOfCentralDir {
	return endOfCentralDir{
		diskNumber:     uint32(binary.LittleEndian.Uint16(buf[4:6])),
		entryCount:     uint64(binary.LittleEndian.Uint16(buf[10:12])),
		centralDirSize: uint64(binary.LittleEndian.Uint32(buf[12:16])),
		centralDirOff:  uint64(binary.LittleEndian.Uint32(buf[16:20])),
		commentLen:     binary.LittleEndian.Uint16(buf[20:22]),
	}
}

// centralDirEntry is the parsed fixed portion of one central directory
// record plus its variable fields.
type centralDirEntry struct {
	versionMadeBy    uint16
	flags            uint16
	method           uint16
	crc32            uint32
	compressedSize   uint64
	uncompressedSize uint64
	localHeaderOff   uint64
	externalAttrs    uint32
	name             string
}

// readCentralDirEntry decodes one central directory record from r,
// resolving zip64 extra fields for fields at their sentinel values.
func readCentralDirEntry(r io.Reader) (centralDirEntry, error) {
	var buf [centralDirLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return centralDirEntry{}, fmt.Errorf("read central directory record: %w", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != sigCentralDirectory {
		return centralDirEntry{}, fmt.Errorf("central directory signature: got %#08x", got)
	}

	e := centralDirEntry{
		versionMadeBy:    binary.LittleEndian.Uint16(buf[4:6]),
		flags:            binary.LittleEndian.Uint16(buf[8:10]),
		method:           binary.LittleEndian.Uint16(buf[10:12]),
		crc32:            binary.LittleEndian.Uint32(buf[16:20]),
		compressedSize:   uint64(binary.LittleEndian.Uint32(buf[20:24])),
		uncompressedSize: uint64(binary.LittleEndian.Uint32(buf[24:28])),
		externalAttrs:    binary.LittleEndian.Uint32(buf[38:42]),
		localHeaderOff:   uint64(binary.LittleEndian.Uint32(buf[42:46])),
	}

	nameLen := int(binary.LittleEndian.Uint16(buf[28:30]))
	extraLen := int(binary.LittleEndian.Uint16(buf[30:32]))
	commentLen := int(binary.LittleEndian.Uint16(buf[32:34]))

	variable := make([]byte, nameLen+extraLen+commentLen)
	if _, err := io.ReadFull(r, variable); err != nil {
		return centralDirEntry{}, fmt.Errorf("read central directory fields: %w", err)
	}
	e.name = string(variable[:nameLen])

	if err := e.applyZip64Extra(variable[nameLen : nameLen+extraLen]); err != nil {
		return centralDirEntry{}, err
	}
	return e, nil
}

// applyZip64Extra walks the extra field area and substitutes 64-bit values
// for any field left at its 32-bit sentinel. Field order inside the zip64
// extra is fixed: uncompressed size, compressed size, local header offset.
func (e *centralDirEntry) applyZip64Extra(extra []byte) error {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+size {
			return fmt.Errorf("extra field %#04x overruns its area", tag)
		}
		body := extra[4 : 4+size]
		extra = extra[4+size:]
		if tag != zip64ExtraTag {
			continue
		}

		if e.uncompressedSize == sentinel32 {
			if len(body) < 8 {
				return fmt.Errorf("zip64 extra too short for uncompressed size")
			}
			e.uncompressedSize = binary.LittleEndian.Uint64(body[:8])
			body = body[8:]
		}
		if e.compressedSize == sentinel32 {
			if len(body) < 8 {
				return fmt.Errorf("zip64 extra too short for compressed size")
			}
			e.compressedSize = binary.LittleEndian.Uint64(body[:8])
			body = body[8:]
		}
		if e.localHeaderOff == sentinel32 {
			if len(body) < 8 {
				return fmt.Errorf("zip64 extra too short for local header offset")
			}
			e.localHeaderOff = binary.LittleEndian.Uint64(body[:8])
		}
		return nil
	}
	return nil
}
