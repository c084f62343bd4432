package aresolv

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (r, w int) {
	t.Helper()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})

	return p[0], p[1]
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  request
	}{
		{
			"simple",
			request{tag: 0x41414141, policy: DefaultPolicy, host: "kernel.org", service: "80"},
		},
		{
			"max-length-host",
			request{tag: 1, policy: DefaultPolicy, host: strings.Repeat("a", MaxHostLen), service: "443"},
		},
		{
			"max-length-service",
			request{tag: 2, policy: DefaultPolicy, host: "example.com", service: "https"},
		},
		{
			"empty-host-and-service",
			request{tag: 3, policy: Policy{Family: FamilyUnspec, Flags: FlagPassive}},
		},
		{
			"custom-policy",
			request{
				tag:     ^Tag(0),
				policy:  Policy{Family: FamilyIPv6, SockType: SockDatagram, Protocol: 17, Flags: FlagPassive},
				host:    "example.com",
				service: "53",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w := testPipe(t)

			require.NoError(t, writeRequest(w, &tt.req))
			got, err := readRequest(r)
			require.NoError(t, err)

			assert.Equal(t, tt.req, *got)
		})
	}
}

func TestRequestLimits(t *testing.T) {
	r, w := testPipe(t)

	err := writeRequest(w, &request{tag: 1, host: strings.Repeat("a", MaxHostLen+1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransport)

	err = writeRequest(w, &request{tag: 2, service: "https1"})
	require.Error(t, err)

	// Nothing was written, the stream is still clean for the next frame.
	require.NoError(t, writeRequest(w, &request{tag: 3, host: "example.com", service: "80"}))
	got, err := readRequest(r)
	require.NoError(t, err)
	assert.Equal(t, Tag(3), got.tag)
}

func TestReadRequestRejectsOversizedLength(t *testing.T) {
	r, w := testPipe(t)

	// Hand-craft a header declaring a host longer than the receiver's limit.
	buf := binary.LittleEndian.AppendUint64(nil, 1)
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, MaxHostLen+1)
	require.NoError(t, writeFull(w, buf))

	_, err := readRequest(r)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestReadRequestTruncatedFrame(t *testing.T) {
	r, w := testPipe(t)

	buf := binary.LittleEndian.AppendUint64(nil, 1)
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 10)
	buf = append(buf, "kern"...) // 6 bytes short of the declared length
	require.NoError(t, writeFull(w, buf))
	unix.Close(w)

	_, err := readRequest(r)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestReadRequestCleanClose(t *testing.T) {
	r, w := testPipe(t)
	unix.Close(w)

	_, err := readRequest(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestResponseRoundTrip(t *testing.T) {
	rec4, err := newAddressRecord(mustIP(t, "192.0.2.1"), 80, DefaultPolicy)
	require.NoError(t, err)
	rec6, err := newAddressRecord(mustIP(t, "2001:db8::1"), 443, Policy{Family: FamilyIPv6, SockType: SockDatagram})
	require.NoError(t, err)

	tests := []struct {
		name string
		resp Response
	}{
		{
			"records",
			Response{Tag: 7, Records: []AddressRecord{rec4, rec6}},
		},
		{
			"empty",
			Response{Tag: 8},
		},
		{
			"lookup-error",
			Response{Tag: 9, Err: &LookupError{Code: LookupNotFound, Message: "no such host"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w := testPipe(t)

			require.NoError(t, writeResponse(w, &tt.resp))
			got, err := readResponse(r)
			require.NoError(t, err)

			assert.Equal(t, tt.resp, *got)
		})
	}
}

func TestReadResponseRejectsOversizedCount(t *testing.T) {
	r, w := testPipe(t)

	buf := binary.LittleEndian.AppendUint64(nil, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, maxRecords+1)
	require.NoError(t, writeFull(w, buf))

	_, err := readResponse(r)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestWriteBackpressure(t *testing.T) {
	r, w := testPipe(t)

	// Shrink the pipe so a handful of max-sized frames exceed its buffer.
	_, err := unix.FcntlInt(uintptr(w), unix.F_SETPIPE_SZ, 4096)
	require.NoError(t, err)

	big := &request{tag: 1, policy: DefaultPolicy, host: strings.Repeat("a", MaxHostLen), service: "80"}
	written := make(chan struct{})
	go func() {
		defer close(written)
		for i := 0; i < 4; i++ {
			if err := writeRequest(w, big); err != nil {
				return
			}
		}
	}()

	// The writer must block on the full pipe instead of dropping data.
	select {
	case <-written:
		t.Fatal("writer finished without draining, expected it to block")
	case <-time.After(100 * time.Millisecond):
	}

	for i := 0; i < 4; i++ {
		got, err := readRequest(r)
		require.NoError(t, err)
		assert.Equal(t, big.host, got.host)
	}

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("writer did not finish after the pipe drained")
	}
}

func TestLookupErrorFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code LookupCode
	}{
		{"not-found", &net.DNSError{Err: "no such host", IsNotFound: true}, LookupNotFound},
		{"temporary", &net.DNSError{Err: "server misbehaving", IsTemporary: true}, LookupTemporary},
		{"timeout", &net.DNSError{Err: "i/o timeout", IsTimeout: true}, LookupTemporary},
		{"other", errors.New("resolv.conf unreadable"), LookupFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := lookupErrorFrom(tt.err)
			assert.Equal(t, tt.code, le.Code)
			assert.Contains(t, le.Message, tt.err.Error())
		})
	}
}
