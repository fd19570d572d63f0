//go:build !windows

package api

import (
	"fmt"
	"net"
)

func listenPipe(addr string) (net.Listener, error) {
	return nil, fmt.Errorf("npipe address %s requires Windows, use unix: instead", addr)
}
