// Package massstorage emulates a USB flash drive: one Bulk-Only Transport
// interface speaking the SCSI transparent command set, backed by an image
// file on the controller host.
package massstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

const (
	inEndpoint  = 0x81
	outEndpoint = 0x02
	packetSize  = 64

	blockSize = 512
	// readChunk bounds one image read while serving READ(10).
	readChunk = 64 * blockSize

	defaultBlocks = 2048
)

// Class requests of the Bulk-Only Transport.
const (
	reqGetMaxLUN = 0xFE
	reqReset     = 0xFF
)

var (
	ErrNoImage       = errors.New("massstorage: image argument required")
	ErrImageTooSmall = errors.New("massstorage: image smaller than one block")
	errNotBound      = errors.New("massstorage: not bound to a controller")
)

type sense struct {
	key, asc, ascq uint8
}

// outPhase is an OUT data stage still arriving from the host. The CSW is
// sent once all of it has been received.
type outPhase struct {
	tag       uint32
	expected  uint32
	remaining uint32
	status    uint8

	// offset is where the next accepted byte lands in the image; writable
	// is how many more bytes may be written there.
	offset   int64
	writable uint32
	written  uint32
}

type Disk struct {
	descriptor usb.Descriptor
	image      *os.File
	blocks     uint32
	readOnly   bool
	inquiry    [inquirySize]byte

	logger *slog.Logger
	send   func(ep uint8, data []byte) error

	mu    sync.Mutex
	sense sense
	out   *outPhase
}

func init() {
	controller.RegisterDevice("massstorage", controller.RegistrationFunc{
		Create: func(o *controller.CreateOptions) (controller.Device, error) { return New(o) },
		Help:   "USB flash drive backed by an image file (image=path blocks=N readonly=bool)",
	})
}

// New opens the image named by the "image" argument. A missing or empty
// writable image is created with "blocks" 512-byte blocks.
func New(o *controller.CreateOptions) (*Disk, error) {
	path := o.Arg("image", "")
	if path == "" {
		return nil, ErrNoImage
	}
	blocks, err := strconv.ParseUint(o.Arg("blocks", strconv.Itoa(defaultBlocks)), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("massstorage: blocks: %w", err)
	}
	readOnly, err := strconv.ParseBool(o.Arg("readonly", "false"))
	if err != nil {
		return nil, fmt.Errorf("massstorage: readonly: %w", err)
	}
	image, n, err := openImage(path, uint32(blocks), readOnly)
	if err != nil {
		return nil, err
	}

	d := &Disk{
		descriptor: defaultDescriptor(),
		image:      image,
		blocks:     n,
		readOnly:   readOnly,
		logger:     slog.Default(),
		send: func(uint8, []byte) error {
			return errNotBound
		},
	}
	if o != nil {
		if o.IdVendor != nil {
			d.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			d.descriptor.Device.IDProduct = *o.IdProduct
		}
	}
	d.inquiry = inquiryData(o.Arg("vendor", "usbtunnel"), o.Arg("product", "Tunnel Disk"), o.Arg("revision", "1.00"))
	return d, nil
}

func openImage(path string, blocks uint32, readOnly bool) (*os.File, uint32, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("massstorage: open image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("massstorage: stat image: %w", err)
	}
	size := st.Size()
	if size == 0 && !readOnly {
		size = int64(blocks) * blockSize
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("massstorage: size image: %w", err)
		}
	}
	if size < blockSize {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrImageTooSmall, path)
	}
	return f, uint32(min(size/blockSize, 1<<32-1)), nil
}

func (d *Disk) Init(c *controller.Controller) {
	d.send = c.Send
	d.logger = c.Logger().With("device", "massstorage")
}

// Blocks returns the capacity in 512-byte blocks.
func (d *Disk) Blocks() uint32 { return d.blocks }

func (d *Disk) Shutdown() {
	if err := d.image.Close(); err != nil {
		d.logger.Warn("Failed to close image", "error", err)
	}
}

// ConnectionChanged drops a half received command when the host leaves.
func (d *Disk) ConnectionChanged(connected bool) {
	if !connected {
		d.reset()
	}
}

func (d *Disk) reset() {
	d.mu.Lock()
	d.out = nil
	d.sense = sense{}
	d.mu.Unlock()
}

func (d *Disk) Endpoints() tunnel.EndpointTable {
	return tunnel.EndpointTableFromDescriptors(d.descriptor.EndpointDescriptors())
}

func (d *Disk) Descriptor(value, index uint16) []byte {
	return d.descriptor.Lookup(value, index)
}

func (d *Disk) ControlRequest(req *controller.ControlRequest) {
	s := req.Setup
	if s.Type() != usb.RequestTypeClass {
		return
	}
	switch s.Request {
	case reqGetMaxLUN:
		if s.IsDeviceToHost() {
			req.Handle([]byte{0})
		}
	case reqReset:
		if !s.IsDeviceToHost() {
			d.logger.Debug("Bulk-only reset")
			d.reset()
			req.Handle(nil)
		}
	}
}

func (d *Disk) IncomingData(ep uint8, data []byte) {
	if ep&usb.EndpointNumberMask != outEndpoint {
		d.logger.Debug("Data on unexpected endpoint", "endpoint", ep)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.out != nil {
		d.receive(data)
		return
	}
	c, err := parseCBW(data)
	if err != nil {
		d.logger.Warn("Dropping command block", "error", err, "bytes", len(data))
		return
	}
	status, residue := d.execute(c)
	switch {
	case d.out != nil:
	case !c.in && c.length > 0:
		// The host sends the data stage whether or not it was wanted.
		d.out = &outPhase{tag: c.tag, expected: c.length, remaining: c.length, status: status}
	default:
		d.status(c.tag, residue, status)
	}
}

// receive consumes part of an OUT data stage.
func (d *Disk) receive(data []byte) {
	p := d.out
	n := min(uint32(len(data)), p.remaining)
	if w := min(n, p.writable); w > 0 && p.status == statusGood {
		if _, err := d.image.WriteAt(data[:w], p.offset); err != nil {
			d.logger.Error("Image write failed", "offset", p.offset, "error", err)
			p.status = statusFailed
			d.sense = sense{key: senseMediumError, asc: ascWriteFault}
		} else {
			p.offset += int64(w)
			p.writable -= w
			p.written += w
		}
	}
	p.remaining -= n
	if p.remaining == 0 {
		d.out = nil
		d.status(p.tag, p.expected-p.written, p.status)
	}
}

func (d *Disk) status(tag, residue uint32, status uint8) {
	if err := d.send(inEndpoint, appendCSW(nil, tag, residue, status)); err != nil {
		d.logger.Error("Failed to queue command status", "error", err)
	}
}

// reply sends data as the IN data stage of c, padded or cut to the length
// the host asked for, and returns the residue.
func (d *Disk) reply(c cbw, data []byte) uint32 {
	if !c.in {
		return c.length
	}
	if uint32(len(data)) > c.length {
		data = data[:c.length]
	}
	residue := c.length - uint32(len(data))
	if residue > 0 {
		data = append(data[:len(data):len(data)], make([]byte, residue)...)
	}
	if len(data) > 0 {
		if err := d.send(inEndpoint, data); err != nil {
			d.logger.Error("Failed to queue data", "error", err)
		}
	}
	return residue
}

// fail records sense data and pads any IN stage so the host reads the CSW
// next.
func (d *Disk) fail(c cbw, s sense) (uint8, uint32) {
	d.sense = s
	d.reply(c, nil)
	return statusFailed, c.length
}

func (d *Disk) execute(c cbw) (uint8, uint32) {
	op := c.cb[0]
	d.logger.Debug("SCSI command", "opcode", fmt.Sprintf("0x%02x", op), "tag", c.tag, "length", c.length)
	if c.lun != 0 {
		return d.fail(c, sense{key: senseIllegalRequest, asc: ascInvalidField})
	}

	switch op {
	case opTestUnitReady, opStartStopUnit, opPreventAllowRemoval, opVerify10:
		d.sense = sense{}
		return statusGood, d.reply(c, nil)
	case opSyncCache10:
		if err := d.image.Sync(); err != nil && !d.readOnly {
			d.logger.Warn("Image sync failed", "error", err)
		}
		return statusGood, d.reply(c, nil)
	case opRequestSense:
		s := d.sense
		d.sense = sense{}
		return statusGood, d.reply(c, senseData(s)[:min(senseSize, int(c.cb[4]))])
	case opInquiry:
		if c.cb[1]&0x01 != 0 {
			return d.fail(c, sense{key: senseIllegalRequest, asc: ascInvalidField})
		}
		n := min(inquirySize, int(be.Uint16(c.cb[3:5])))
		return statusGood, d.reply(c, d.inquiry[:n])
	case opModeSense6:
		return statusGood, d.reply(c, modeSense6(d.readOnly)[:min(4, int(c.cb[4]))])
	case opReadCapacity10:
		return statusGood, d.reply(c, readCapacity10(d.blocks))
	case opReadFormatCapacities:
		n := min(formatCapacitiesSize, int(be.Uint16(c.cb[7:9])))
		return statusGood, d.reply(c, readFormatCapacities(d.blocks)[:n])
	case opRead10:
		return d.read10(c)
	case opWrite10:
		return d.write10(c)
	}
	d.logger.Warn("Unsupported SCSI command", "opcode", fmt.Sprintf("0x%02x", op))
	return d.fail(c, sense{key: senseIllegalRequest, asc: ascInvalidCommand})
}

// span decodes the LBA and block count of a READ(10) or WRITE(10) and checks
// them against the capacity.
func (d *Disk) span(c cbw) (int64, uint32, bool) {
	lba := be.Uint32(c.cb[2:6])
	count := uint32(be.Uint16(c.cb[7:9]))
	return int64(lba) * blockSize, count * blockSize, uint64(lba)+uint64(count) <= uint64(d.blocks)
}

func (d *Disk) read10(c cbw) (uint8, uint32) {
	offset, size, ok := d.span(c)
	if !ok || !c.in && c.length > 0 {
		return d.fail(c, sense{key: senseIllegalRequest, asc: ascLBAOutOfRange})
	}
	size = min(size, c.length)
	buf := make([]byte, min(size, readChunk))
	var sent uint32
	for sent < size {
		chunk := buf[:min(size-sent, readChunk)]
		if _, err := d.image.ReadAt(chunk, offset+int64(sent)); err != nil {
			d.logger.Error("Image read failed", "offset", offset+int64(sent), "error", err)
			d.sense = sense{key: senseMediumError, asc: ascUnrecoveredRead}
			d.reply(cbw{in: true, length: c.length - sent}, nil)
			return statusFailed, c.length - sent
		}
		if err := d.send(inEndpoint, chunk); err != nil {
			d.logger.Error("Failed to queue data", "error", err)
			return statusFailed, c.length - sent
		}
		sent += uint32(len(chunk))
	}
	return statusGood, d.reply(cbw{in: true, length: c.length - sent}, nil)
}

func (d *Disk) write10(c cbw) (uint8, uint32) {
	if d.readOnly {
		return d.fail(c, sense{key: senseDataProtect, asc: ascWriteProtected})
	}
	offset, size, ok := d.span(c)
	if !ok || c.in {
		return d.fail(c, sense{key: senseIllegalRequest, asc: ascLBAOutOfRange})
	}
	if c.length == 0 {
		return statusGood, 0
	}
	d.out = &outPhase{
		tag:       c.tag,
		expected:  c.length,
		remaining: c.length,
		status:    statusGood,
		offset:    offset,
		writable:  min(size, c.length),
	}
	return statusGood, 0
}

func defaultDescriptor() usb.Descriptor {
	serial := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x1209,
			IDProduct:          0x0002,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BNumEndpoints:      0x02,
					BInterfaceClass:    0x08, // mass storage
					BInterfaceSubClass: 0x06, // SCSI transparent
					BInterfaceProtocol: 0x50, // bulk-only
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: inEndpoint, BMAttributes: 0x02, WMaxPacketSize: packetSize},
					{BEndpointAddress: outEndpoint, BMAttributes: 0x02, WMaxPacketSize: packetSize},
				},
			},
		},
		Strings: map[uint8]string{
			1: "usbtunnel",
			2: "Tunnel Disk",
			3: serial,
		},
	}
}
