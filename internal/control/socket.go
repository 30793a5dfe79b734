package control

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/ipv4"
)

// fnv1hash implements the FNV-1 hash, used to derive a multicast
// address from a hostname when DNS resolution fails. Matches
// ka9q-radio's fnv1hash() in misc.c.
func fnv1hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5)
	for _, b := range data {
		hash *= 0x01000193
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr derives a 239.0.0.0/8 multicast address from hostname,
// avoiding the low/high .0/24 ranges that alias the same Ethernet
// multicast MAC address. Matches ka9q-radio's make_maddr() in
// multicast.c.
func makeMaddr(hostname string) string {
	hash := fnv1hash([]byte(hostname))
	addr := (uint32(239) << 24) | (hash & 0xffffff)
	if addr&0x007fff00 == 0 {
		addr |= (addr & 0xff) << 8
	}
	if addr&0x007fff00 == 0 {
		addr |= 0x00100000
	}
	return fmt.Sprintf("%d.%d.%d.%d", (addr>>24)&0xff, (addr>>16)&0xff, (addr>>8)&0xff, addr&0xff)
}

// ResolveMulticastAddr resolves a "host:port" group address, falling
// back to a hash-derived 239.0.0.0/8 address when DNS can't resolve
// the host, matching connect_mcast()'s behavior in the original.
func ResolveMulticastAddr(addrStr string) (*net.UDPAddr, error) {
	if addr, err := net.ResolveUDPAddr("udp", addrStr); err == nil {
		return addr, nil
	}

	parts := strings.SplitN(addrStr, ":", 2)
	hostname := parts[0]
	port := "0"
	if len(parts) > 1 {
		port = parts[1]
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("control: invalid port in address %q: %w", addrStr, err)
	}
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", makeMaddr(hostname), portNum))
}

// Socket is a joined multicast control or status group, usable both
// to receive incoming datagrams and to send replies back to the group.
type Socket struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

// Listen resolves group, opens a UDP socket bound to its port, and
// joins the multicast group on iface (nil selects the default
// interface, matching net.ListenMulticastUDP's behavior).
func Listen(group string, iface *net.Interface) (*Socket, error) {
	addr, err := ResolveMulticastAddr(group)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", addr.Port))
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", group, err)
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(iface, addr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: join group %s: %w", group, err)
	}

	return &Socket{conn: conn, addr: addr}, nil
}

// Send writes data to the socket's multicast group.
func (s *Socket) Send(data []byte) error {
	_, err := s.conn.WriteToUDP(data, s.addr)
	return err
}

// ReadFrom blocks for the next datagram, returning its payload and
// source address.
func (s *Socket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }
