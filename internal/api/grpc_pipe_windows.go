//go:build windows

package api

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// Буферы рассчитаны на JSON-кадры Message: display-события несут весь
// подтверждённый текст и занимают десятки килобайт.
func listenPipe(addr string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		InputBufferSize:  64 * 1024,
		OutputBufferSize: 256 * 1024,
	}
	return winio.ListenPipe(addr, cfg)
}
