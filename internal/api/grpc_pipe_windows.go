//go:build windows

package api

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// Named pipe вместо unix socket: доступен локальным клиентам без
// файловой системы сокетов.
func listenPipe(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}
