package massstorage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

// Bulk-Only Transport wrappers. Their fields are little-endian.
const (
	cbwSize      = 31
	cswSize      = 13
	cbwSignature = 0x43425355 // "USBC"
	cswSignature = 0x53425355 // "USBS"
	cbwFlagIn    = 0x80
)

// CSW status values.
const (
	statusGood   = 0x00
	statusFailed = 0x01
)

// SCSI operation codes.
const (
	opTestUnitReady        = 0x00
	opRequestSense         = 0x03
	opInquiry              = 0x12
	opModeSense6           = 0x1A
	opStartStopUnit        = 0x1B
	opPreventAllowRemoval  = 0x1E
	opReadFormatCapacities = 0x23
	opReadCapacity10       = 0x25
	opRead10               = 0x28
	opWrite10              = 0x2A
	opVerify10             = 0x2F
	opSyncCache10          = 0x35
)

// Sense keys and additional sense codes.
const (
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05
	senseDataProtect    = 0x07

	ascWriteFault      = 0x03
	ascUnrecoveredRead = 0x11
	ascInvalidCommand  = 0x20
	ascLBAOutOfRange   = 0x21
	ascInvalidField    = 0x24
	ascWriteProtected  = 0x27
)

const (
	inquirySize          = 36
	senseSize            = 18
	formatCapacitiesSize = 12
)

var (
	errCBWLength    = errors.New("command block wrapper length")
	errCBWSignature = errors.New("command block wrapper signature")
)

// cbw is a decoded Command Block Wrapper.
type cbw struct {
	tag    uint32
	length uint32
	in     bool
	lun    uint8
	cb     [16]byte
}

func parseCBW(b []byte) (cbw, error) {
	if len(b) != cbwSize {
		return cbw{}, fmt.Errorf("%w: %d", errCBWLength, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != cbwSignature {
		return cbw{}, fmt.Errorf("%w: 0x%08x", errCBWSignature, sig)
	}
	c := cbw{
		tag:    binary.LittleEndian.Uint32(b[4:]),
		length: binary.LittleEndian.Uint32(b[8:]),
		in:     b[12]&cbwFlagIn != 0,
		lun:    b[13] & 0x0F,
	}
	copy(c.cb[:], b[15:31])
	return c, nil
}

func appendCSW(b []byte, tag, residue uint32, status uint8) []byte {
	b = binary.LittleEndian.AppendUint32(b, cswSignature)
	b = binary.LittleEndian.AppendUint32(b, tag)
	b = binary.LittleEndian.AppendUint32(b, residue)
	return append(b, status)
}

// inquiryData is the standard INQUIRY reply of a removable disk.
func inquiryData(vendor, product, revision string) [inquirySize]byte {
	var b [inquirySize]byte
	b[1] = 0x80 // removable
	b[2] = 0x06 // SPC-4
	b[3] = 0x02
	b[4] = inquirySize - 5
	copy(b[8:16], pad(vendor, 8))
	copy(b[16:32], pad(product, 16))
	copy(b[32:36], pad(revision, 4))
	return b
}

// pad space-fills s to n bytes, cutting it if longer.
func pad(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// senseData is fixed-format sense for the current error.
func senseData(s sense) []byte {
	b := make([]byte, senseSize)
	b[0] = 0x70
	b[2] = s.key & 0x0F
	b[7] = senseSize - 8
	b[12] = s.asc
	b[13] = s.ascq
	return b
}

func modeSense6(readOnly bool) []byte {
	b := []byte{3, 0, 0, 0}
	if readOnly {
		b[2] = 0x80
	}
	return b
}

func readCapacity10(blocks uint32) []byte {
	b := be.AppendUint32(nil, blocks-1)
	return be.AppendUint32(b, blockSize)
}

func readFormatCapacities(blocks uint32) []byte {
	b := []byte{0, 0, 0, 8}
	b = be.AppendUint32(b, blocks)
	// Formatted media, then the 24-bit block length.
	return append(b, 0x02, 0, blockSize>>8, blockSize&0xFF)
}
