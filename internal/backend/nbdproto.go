package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Wire constants from the NBD protocol (see the nbd.git docs/proto.md).
// golang.org/x/sys has no NBD package, so these are hand-encoded the way
// any non-qemu NBD client in Go has to.
const (
	nbdMagic        = 0x4e42444d41474943 // "NBDMAGIC"
	nbdOptsMagic    = 0x49484156454f5054 // "IHAVEOPT"
	nbdClientMagic  = 0x00420281861253
	nbdRepMagic     = 0x3e889045565a9

	nbdFlagFixedNewstyle = 1 << 0
	nbdFlagNoZeroes      = 1 << 1
	nbdFlagCFixedNewstyle = 1 << 0

	nbdOptExportName     = 1
	nbdOptAbort          = 2
	nbdOptStructuredReply = 8
	nbdOptSetMetaContext = 10
	nbdOptGo             = 7

	nbdRepAck         = 1
	nbdRepServer      = 2
	nbdRepMetaContext = 4
	nbdRepInfo        = 3
	nbdRepErrPrefix   = 1 << 31

	nbdInfoExport = 0

	nbdFlagHasFlags    = 1 << 0
	nbdFlagReadOnly    = 1 << 1
	nbdFlagSendFlush   = 1 << 2
	nbdFlagSendFua     = 1 << 3
	nbdFlagCanMulticonn = 1 << 8

	nbdRequestMagic         = 0x25609513
	nbdSimpleReplyMagic     = 0x67446698
	nbdStructuredReplyMagic = 0x668e33ef

	nbdCmdRead         = 0
	nbdCmdWrite        = 1
	nbdCmdFlush        = 3
	nbdCmdWriteZeroes  = 6
	nbdCmdBlockStatus  = 7

	nbdCmdFlagFua       = 1 << 0
	nbdCmdFlagNoHole    = 1 << 1 // NBD_CMD_FLAG_NO_HOLE on WRITE_ZEROES

	nbdReplyFlagDone = 1 << 0

	nbdReplyTypeNone         = 0
	nbdReplyTypeOffsetData   = 1
	nbdReplyTypeOffsetHole   = 2
	nbdReplyTypeBlockStatus  = 5
	nbdReplyTypeError        = 1<<15 + 1

	// base:allocation bit meanings for 32-bit descriptors.
	nbdStateHole = 1 << 0
	nbdStateZero = 1 << 1
	// qemu:allocation-depth descriptors: 0 = unallocated (hole reads as
	// zero in every layer), 1 = allocated in the topmost layer.
	qemuAllocDepthAllocated = 1
)

// metaContext is a negotiated context id returned by NBD_OPT_SET_META_CONTEXT.
type metaContext struct {
	id   uint32
	name string
}

// nbdConn is one negotiated, ready-to-transmit connection to an NBD
// server. The higher-level nbdBackend pools several of these.
type nbdConn struct {
	conn          net.Conn
	size          int64
	flags         uint16
	structured    bool
	allocationCtx *metaContext
	depthCtx      *metaContext
	dirtyCtx      *metaContext
}

// dialNBD connects and performs fixed newstyle handshake + (optionally)
// meta context negotiation for base:allocation, qemu:allocation-depth and
// a named qemu dirty bitmap, then NBD_OPT_GO to enter the transmission
// phase.
func dialNBD(network, address, exportName, dirtyBitmap string) (*nbdConn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("nbd: dial: %w", err)
	}
	c := &nbdConn{conn: conn}
	if err := c.handshake(exportName, dirtyBitmap); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *nbdConn) handshake(exportName, dirtyBitmap string) error {
	var hdr [16]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return fmt.Errorf("nbd: reading preamble: %w", err)
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != nbdMagic {
		return fmt.Errorf("nbd: bad magic from server")
	}
	serverFlags := binary.BigEndian.Uint16(hdr[14:16])
	if serverFlags&nbdFlagFixedNewstyle == 0 {
		return fmt.Errorf("nbd: server does not support fixed newstyle negotiation")
	}

	clientFlags := uint32(nbdFlagCFixedNewstyle)
	if err := binary.Write(c.conn, binary.BigEndian, clientFlags); err != nil {
		return err
	}

	if err := c.negotiateStructuredReplies(); err != nil {
		return err
	}

	c.allocationCtx, _ = c.negotiateMetaContext(exportName, "base:allocation")
	c.depthCtx, _ = c.negotiateMetaContext(exportName, "qemu:allocation-depth")
	if dirtyBitmap != "" {
		c.dirtyCtx, _ = c.negotiateMetaContext(exportName, "qemu:dirty-bitmap:"+dirtyBitmap)
	}

	return c.sendGo(exportName)
}

func (c *nbdConn) sendOptionHeader(opt uint32, dataLen uint32) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint64(nbdOptsMagic))
	binary.Write(&buf, binary.BigEndian, opt)
	binary.Write(&buf, binary.BigEndian, dataLen)
	_, err := c.conn.Write(buf.Bytes())
	return err
}

func (c *nbdConn) readOptionReply() (repType uint32, data []byte, err error) {
	var hdr [20]byte
	if _, err = io.ReadFull(c.conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != nbdRepMagic {
		return 0, nil, fmt.Errorf("nbd: bad option reply magic")
	}
	repType = binary.BigEndian.Uint32(hdr[12:16])
	length := binary.BigEndian.Uint32(hdr[16:20])
	data = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(c.conn, data); err != nil {
			return 0, nil, err
		}
	}
	return repType, data, nil
}

func (c *nbdConn) negotiateStructuredReplies() error {
	if err := c.sendOptionHeader(nbdOptStructuredReply, 0); err != nil {
		return err
	}
	repType, _, err := c.readOptionReply()
	if err != nil {
		return err
	}
	c.structured = repType == nbdRepAck
	return nil
}

// negotiateMetaContext asks the server to map a single context query to
// an id, returning nil if the server doesn't support or export it.
func (c *nbdConn) negotiateMetaContext(exportName, query string) (*metaContext, error) {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint32(len(exportName)))
	body.WriteString(exportName)
	binary.Write(&body, binary.BigEndian, uint32(1)) // one query
	binary.Write(&body, binary.BigEndian, uint32(len(query)))
	body.WriteString(query)

	if err := c.sendOptionHeader(nbdOptSetMetaContext, uint32(body.Len())); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(body.Bytes()); err != nil {
		return nil, err
	}

	var found *metaContext
	for {
		repType, data, err := c.readOptionReply()
		if err != nil {
			return nil, err
		}
		if repType == nbdRepAck {
			break
		}
		if repType == nbdRepMetaContext && len(data) >= 8 {
			id := binary.BigEndian.Uint32(data[0:4])
			name := string(data[4:])
			found = &metaContext{id: id, name: name}
			continue
		}
		if repType&nbdRepErrPrefix != 0 {
			return nil, fmt.Errorf("nbd: server rejected meta context %q", query)
		}
	}
	return found, nil
}

func (c *nbdConn) sendGo(exportName string) error {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint32(len(exportName)))
	body.WriteString(exportName)
	binary.Write(&body, binary.BigEndian, uint16(0)) // no information requests

	if err := c.sendOptionHeader(nbdOptGo, uint32(body.Len())); err != nil {
		return err
	}
	if _, err := c.conn.Write(body.Bytes()); err != nil {
		return err
	}

	for {
		repType, data, err := c.readOptionReply()
		if err != nil {
			return err
		}
		switch {
		case repType == nbdRepAck:
			return nil
		case repType == nbdRepInfo && len(data) >= 2:
			infoType := binary.BigEndian.Uint16(data[0:2])
			if infoType == nbdInfoExport && len(data) >= 12 {
				c.size = int64(binary.BigEndian.Uint64(data[2:10]))
				c.flags = binary.BigEndian.Uint16(data[10:12])
			}
		case repType&nbdRepErrPrefix != 0:
			return fmt.Errorf("nbd: server rejected export %q", exportName)
		}
	}
}

// request writes one command header and its optional payload; it does
// not read the reply, which the caller consumes with readSimpleReply or
// readBlockStatusReply.
func (c *nbdConn) request(cmd uint16, flags uint16, handle uint64, offset int64, length uint32, payload []byte) error {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.BigEndian, uint32(nbdRequestMagic))
	binary.Write(&hdr, binary.BigEndian, flags)
	binary.Write(&hdr, binary.BigEndian, cmd)
	binary.Write(&hdr, binary.BigEndian, handle)
	binary.Write(&hdr, binary.BigEndian, uint64(offset))
	binary.Write(&hdr, binary.BigEndian, length)
	if _, err := c.conn.Write(hdr.Bytes()); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *nbdConn) readSimpleReply(into []byte) error {
	var hdr [16]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	errCode := binary.BigEndian.Uint32(hdr[4:8])
	if magic != nbdSimpleReplyMagic {
		return fmt.Errorf("nbd: unexpected reply magic %x", magic)
	}
	if errCode != 0 {
		return fmt.Errorf("nbd: server returned error %d", errCode)
	}
	if len(into) > 0 {
		if _, err := io.ReadFull(c.conn, into); err != nil {
			return err
		}
	}
	return nil
}

// blockStatusDescriptor mirrors a 32-bit NBD_REPLY_TYPE_BLOCK_STATUS entry.
type blockStatusDescriptor struct {
	Length uint32
	Flags  uint32
}

// readBlockStatusReply consumes one or more structured-reply chunks for a
// BLOCK_STATUS request and returns the descriptors for the requested
// context id.
func (c *nbdConn) readBlockStatusReply(contextID uint32) ([]blockStatusDescriptor, error) {
	var result []blockStatusDescriptor
	for {
		var hdr [20]byte
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			return nil, err
		}
		magic := binary.BigEndian.Uint32(hdr[0:4])
		if magic != nbdStructuredReplyMagic {
			return nil, fmt.Errorf("nbd: expected structured reply, got magic %x", magic)
		}
		flags := binary.BigEndian.Uint16(hdr[4:6])
		repType := binary.BigEndian.Uint16(hdr[6:8])
		length := binary.BigEndian.Uint32(hdr[16:20])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				return nil, err
			}
		}

		switch repType {
		case nbdReplyTypeNone:
			// done, no data for this chunk
		case nbdReplyTypeBlockStatus:
			if len(payload) >= 4 {
				gotID := binary.BigEndian.Uint32(payload[0:4])
				if gotID == contextID {
					for off := 4; off+8 <= len(payload); off += 8 {
						result = append(result, blockStatusDescriptor{
							Length: binary.BigEndian.Uint32(payload[off : off+4]),
							Flags:  binary.BigEndian.Uint32(payload[off+4 : off+8]),
						})
					}
				}
			}
		case nbdReplyTypeError:
			return nil, fmt.Errorf("nbd: server returned structured error for block status")
		}

		if flags&nbdReplyFlagDone != 0 {
			break
		}
	}
	return result, nil
}

func (c *nbdConn) close() error {
	return c.conn.Close()
}
