// Package udp streams monitor snapshots to a UDP destination, one JSON
// document per datagram.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"mcsmotor/internal/monitor"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
	}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// SendSnapshot writes s as a single JSON datagram.
func (b *Broadcaster) SendSnapshot(s monitor.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("udp: marshal snapshot: %w", err)
	}
	return b.Send(payload)
}

// Run sends every snapshot received on snaps until ctx is done or snaps is
// closed. Send errors are logged once per streak and do not stop the loop.
func (b *Broadcaster) Run(ctx context.Context, snaps <-chan monitor.Snapshot) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			err := b.SendSnapshot(s)
			switch {
			case err != nil && !failing:
				log.Printf("udp telemetry dest=%s send failed: %v", b.dest, err)
				failing = true
			case err == nil && failing:
				log.Printf("udp telemetry dest=%s recovered", b.dest)
				failing = false
			}
		}
	}
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
