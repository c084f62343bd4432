package aresolv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Frame field limits. Every length field is checked against these before the
// payload behind it is read; a peer declaring more has corrupted the stream
// and the framing cannot be resynchronized.
const (
	// MaxHostLen is the longest host name accepted in a request.
	MaxHostLen = 4095
	// MaxServiceLen is the longest service name accepted in a request.
	// Long enough for "https" and any numeric port.
	MaxServiceLen = 5

	maxMessageLen = 512
	maxRecords    = 64
	maxAddrLen    = unix.SizeofSockaddrAny
)

// ErrTransport marks an unrecoverable channel failure: corrupted framing, a
// terminal I/O error, or a truncated frame. A handle that returned it is
// dead; only Stop and Wait remain useful.
var ErrTransport = errors.New("resolver transport failure")

// Tag is an opaque correlation token chosen by the caller. It is echoed back
// verbatim in the matching response and never interpreted; uniqueness is the
// caller's business.
type Tag uint64

type request struct {
	tag     Tag
	policy  Policy
	host    string
	service string
}

func (r *request) validate() error {
	if len(r.host) > MaxHostLen {
		return fmt.Errorf("host exceeds %d bytes", MaxHostLen)
	}
	if len(r.service) > MaxServiceLen {
		return fmt.Errorf("service exceeds %d bytes", MaxServiceLen)
	}
	return nil
}

// readFull reads exactly len(buf) bytes from fd, retrying EINTR and EAGAIN.
// A clean close before the first byte is io.EOF; one mid-buffer is a
// transport failure.
func readFull(fd int, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Read(fd, buf[done:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		if n == 0 {
			if done == 0 {
				return io.EOF
			}
			return fmt.Errorf("%w: truncated frame", ErrTransport)
		}
		done += n
	}
	return nil
}

// readRest is readFull for everything after the first field of a frame,
// where end-of-stream is no longer a clean close.
func readRest(fd int, buf []byte) error {
	err := readFull(fd, buf)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: truncated frame", ErrTransport)
	}
	return err
}

// writeFull writes all of buf to fd, retrying EINTR and EAGAIN. The write
// blocks when the pipe buffer is full; that is the only backpressure in the
// design.
func writeFull(fd int, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Write(fd, buf[done:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
		done += n
	}
	return nil
}

// Request frame: tag, policy, then the two length-prefixed strings,
// back-to-back. The receiver always knows how many bytes come next because
// every length precedes its payload.
func writeRequest(fd int, req *request) error {
	if err := req.validate(); err != nil {
		return err
	}

	buf := make([]byte, 0, 16+len(req.host)+4+len(req.service))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(req.tag))
	buf = append(buf, byte(req.policy.Family), byte(req.policy.SockType), req.policy.Protocol, byte(req.policy.Flags))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(req.host)))
	buf = append(buf, req.host...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(req.service)))
	buf = append(buf, req.service...)

	return writeFull(fd, buf)
}

func readRequest(fd int) (*request, error) {
	var hdr [16]byte
	if err := readFull(fd, hdr[:]); err != nil {
		return nil, err
	}

	req := &request{
		tag: Tag(binary.LittleEndian.Uint64(hdr[0:8])),
		policy: Policy{
			Family:   Family(hdr[8]),
			SockType: SockType(hdr[9]),
			Protocol: hdr[10],
			Flags:    Flags(hdr[11]),
		},
	}

	hostLen := binary.LittleEndian.Uint32(hdr[12:16])
	if hostLen > MaxHostLen {
		return nil, fmt.Errorf("%w: declared host length %d exceeds %d", ErrTransport, hostLen, MaxHostLen)
	}
	host := make([]byte, hostLen)
	if err := readRest(fd, host); err != nil {
		return nil, err
	}
	req.host = string(host)

	var lenBuf [4]byte
	if err := readRest(fd, lenBuf[:]); err != nil {
		return nil, err
	}
	serviceLen := binary.LittleEndian.Uint32(lenBuf[:])
	if serviceLen > MaxServiceLen {
		return nil, fmt.Errorf("%w: declared service length %d exceeds %d", ErrTransport, serviceLen, MaxServiceLen)
	}
	service := make([]byte, serviceLen)
	if err := readRest(fd, service); err != nil {
		return nil, err
	}
	req.service = string(service)

	return req, nil
}

// Response frame: tag, lookup status, length-prefixed error message, record
// count, then count records of fixed header plus variable address bytes.
func writeResponse(fd int, resp *Response) error {
	var status uint32
	var message string
	if resp.Err != nil {
		status = uint32(resp.Err.Code)
		message = resp.Err.Message
		if len(message) > maxMessageLen {
			message = message[:maxMessageLen]
		}
	}

	buf := binary.LittleEndian.AppendUint64(nil, uint64(resp.Tag))
	buf = binary.LittleEndian.AppendUint32(buf, status)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(message)))
	buf = append(buf, message...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(resp.Records)))
	for i := range resp.Records {
		rec := &resp.Records[i]
		buf = binary.LittleEndian.AppendUint32(buf, rec.Family)
		buf = binary.LittleEndian.AppendUint32(buf, rec.SockType)
		buf = binary.LittleEndian.AppendUint32(buf, rec.Protocol)
		buf = binary.LittleEndian.AppendUint32(buf, rec.Flags)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Addr)))
		buf = append(buf, rec.Addr...)
	}

	return writeFull(fd, buf)
}

func readResponse(fd int) (*Response, error) {
	var hdr [16]byte
	if err := readFull(fd, hdr[:]); err != nil {
		return nil, err
	}

	resp := &Response{Tag: Tag(binary.LittleEndian.Uint64(hdr[0:8]))}
	status := binary.LittleEndian.Uint32(hdr[8:12])

	msgLen := binary.LittleEndian.Uint32(hdr[12:16])
	if msgLen > maxMessageLen {
		return nil, fmt.Errorf("%w: declared message length %d exceeds %d", ErrTransport, msgLen, maxMessageLen)
	}
	message := make([]byte, msgLen)
	if err := readRest(fd, message); err != nil {
		return nil, err
	}
	if status != 0 {
		resp.Err = &LookupError{Code: LookupCode(status), Message: string(message)}
	}

	var countBuf [4]byte
	if err := readRest(fd, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf[:])
	if count > maxRecords {
		return nil, fmt.Errorf("%w: declared record count %d exceeds %d", ErrTransport, count, maxRecords)
	}

	var recHdr [20]byte
	for i := uint32(0); i < count; i++ {
		if err := readRest(fd, recHdr[:]); err != nil {
			return nil, err
		}
		rec := AddressRecord{
			Family:   binary.LittleEndian.Uint32(recHdr[0:4]),
			SockType: binary.LittleEndian.Uint32(recHdr[4:8]),
			Protocol: binary.LittleEndian.Uint32(recHdr[8:12]),
			Flags:    binary.LittleEndian.Uint32(recHdr[12:16]),
		}
		addrLen := binary.LittleEndian.Uint32(recHdr[16:20])
		if addrLen > maxAddrLen {
			return nil, fmt.Errorf("%w: declared address length %d exceeds %d", ErrTransport, addrLen, maxAddrLen)
		}
		rec.Addr = make([]byte, addrLen)
		if err := readRest(fd, rec.Addr); err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, rec)
	}

	return resp, nil
}
