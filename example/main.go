// A minimal event loop around the asynchronous resolver: submit a couple of
// lookups, poll the readiness fd, drain the responses, shut down.
package main

import (
	"fmt"
	"os"

	"github.com/gvb84/aresolv"

	"golang.org/x/sys/unix"
)

func main() {
	aresolv.Init()

	resolver := aresolv.New(nil)
	if err := resolver.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	hosts := []string{"kernel.org", "example.com", "invalid.invalid"}
	for i, host := range hosts {
		if err := resolver.Submit(aresolv.Tag(i), host, "80"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	for pending := len(hosts); pending > 0; pending-- {
		fds := []unix.PollFd{{Fd: int32(resolver.Ready()), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, -1); err != nil && err != unix.EINTR {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		resp, err := resolver.Fetch()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		host := hosts[resp.Tag]
		if resp.Err != nil {
			fmt.Printf("%s: %v\n", host, resp.Err)
			continue
		}
		for _, rec := range resp.Records {
			fmt.Printf("%s: %s\n", host, rec.String())
		}
	}

	resolver.Stop()
	resolver.Wait()
}
