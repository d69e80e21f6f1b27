// Package udp forwards sensor events to a UDP listener, one datagram per
// event.
package udp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"sensorhub/internal/events"
)

// DatagramLen is the encoded size of one event.
const DatagramLen = 21

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Forwarder struct {
	dest string
	conn udpConn

	sent  atomic.Uint64
	fails atomic.Uint64
}

func NewForwarder(dest string) (*Forwarder, error) {
	return newForwarder(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newForwarder(dest string, resolve resolveFunc, dial dialFunc) (*Forwarder, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", dest, err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", dest, err)
	}
	return &Forwarder{dest: dest, conn: conn}, nil
}

// Encode packs e as id, values, bias (little-endian int16) and the MCU
// timestamp (little-endian int64).
func Encode(e events.Event) []byte {
	b := make([]byte, 0, DatagramLen)
	b = append(b, byte(e.ID))
	for _, v := range e.Values {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	for _, v := range e.Bias {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	return binary.LittleEndian.AppendUint64(b, uint64(e.Timestamp))
}

// Send implements events.Sink.
func (f *Forwarder) Send(e events.Event) error {
	if _, err := f.conn.Write(Encode(e)); err != nil {
		f.fails.Add(1)
		return fmt.Errorf("udp: send to %s: %w", f.dest, err)
	}
	f.sent.Add(1)
	return nil
}

func (f *Forwarder) Sent() uint64  { return f.sent.Load() }
func (f *Forwarder) Fails() uint64 { return f.fails.Load() }

func (f *Forwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
