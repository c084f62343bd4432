package aresolv

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Environment passed from Start to the worker child.
const (
	workerEnvVar     = "ARESOLV_WORKER"
	nameserverEnvVar = "ARESOLV_NAMESERVER"
	intervalEnvVar   = "ARESOLV_CHECK_INTERVAL"
)

// Pipe ends inherited by the worker child.
const (
	workerRequestFd = 3
	workerResultFd  = 4
)

// Init hands the process over to the resolution worker when it was spawned
// by Start. Call it first thing in main: in a regular process it returns
// immediately, in a worker child it never returns.
func Init() {
	if os.Getenv(workerEnvVar) == "" {
		return
	}
	runWorker()
}

func runWorker() {
	unix.SetNonblock(workerRequestFd, false)
	unix.SetNonblock(workerResultFd, false)

	interval := time.Second
	if v := os.Getenv(intervalEnvVar); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	terminateOnSignal()
	go watchParent(interval)

	err := serve(workerRequestFd, workerResultFd, newResolver(os.Getenv(nameserverEnvVar)))
	if errors.Is(err, io.EOF) {
		// Request channel closed, the caller is done with us.
		os.Exit(0)
	}
	log.Errorf("resolver worker: %v", err)
	os.Exit(1)
}

// terminateOnSignal makes SIGTERM, the explicit stop signal, a clean exit.
func terminateOnSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		os.Exit(0)
	}()
}

// watchParent exits the worker once it has been orphaned. The caller dying
// reparents us, so a changed parent pid means nobody will ever read our
// responses again.
func watchParent(interval time.Duration) {
	parent := os.Getppid()
	for range time.NewTicker(interval).C {
		if os.Getppid() != parent {
			os.Exit(1)
		}
	}
}

// serve is the worker loop: read one request, resolve it, write one
// response, forever. Strictly one request at a time; responses leave in
// request order. Returns io.EOF when the request channel closes cleanly,
// a transport error otherwise. A write failing with EPIPE means the caller
// is gone and surfaces here as a transport error too.
func serve(in, out int, resolver NameResolver) error {
	for {
		req, err := readRequest(in)
		if err != nil {
			return err
		}

		resp := resolveOne(req, resolver)

		if err := writeResponse(out, resp); err != nil {
			return err
		}
	}
}

func resolveOne(req *request, resolver NameResolver) *Response {
	ctx := context.Background()
	resp := &Response{Tag: req.tag}

	port := 0
	if req.service != "" {
		p, err := resolver.LookupPort(ctx, req.policy.SockType.network(), req.service)
		if err != nil {
			resp.Err = lookupErrorFrom(err)
			return resp
		}
		port = p
	}

	if req.host == "" && req.policy.Flags&FlagPassive != 0 {
		resp.Records = wildcardRecords(req.policy, port)
		return resp
	}

	addrs, err := resolver.LookupIPAddr(ctx, req.host)
	if err != nil {
		resp.Err = lookupErrorFrom(err)
		return resp
	}

	for _, addr := range addrs {
		if !familyMatches(req.policy.Family, addr.IP) {
			continue
		}
		rec, err := newAddressRecord(addr.IP, port, req.policy)
		if err != nil {
			log.Debugf("skipping unencodable address %v: %v", addr.IP, err)
			continue
		}
		resp.Records = append(resp.Records, rec)
		if len(resp.Records) == maxRecords {
			break
		}
	}

	return resp
}

func familyMatches(f Family, ip net.IP) bool {
	switch f {
	case FamilyIPv4:
		return ip.To4() != nil
	case FamilyIPv6:
		return ip.To4() == nil
	}

	return true
}

func newAddressRecord(ip net.IP, port int, policy Policy) (AddressRecord, error) {
	family, addr, err := packSockaddr(ip, port)
	if err != nil {
		return AddressRecord{}, err
	}

	sockType := uint32(unix.SOCK_STREAM)
	if policy.SockType == SockDatagram {
		sockType = unix.SOCK_DGRAM
	}

	return AddressRecord{
		Family:   family,
		SockType: sockType,
		Protocol: uint32(policy.Protocol),
		Flags:    uint32(policy.Flags),
		Addr:     addr,
	}, nil
}

func wildcardRecords(policy Policy, port int) []AddressRecord {
	var records []AddressRecord

	if familyMatches(policy.Family, net.IPv4zero) {
		if rec, err := newAddressRecord(net.IPv4zero, port, policy); err == nil {
			records = append(records, rec)
		}
	}
	if familyMatches(policy.Family, net.IPv6zero) {
		if rec, err := newAddressRecord(net.IPv6zero, port, policy); err == nil {
			records = append(records, rec)
		}
	}

	return records
}
