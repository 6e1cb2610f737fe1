// Package hcisock opens the raw HCI socket the rest of the stack reads
// and writes framed packets over. It is built on golang.org/x/sys/unix
// for socket creation, generic I/O and close, with a hand-rolled
// sockaddr for AF_BLUETOOTH/BTPROTO_HCI, which x/sys/unix does not
// define.
package hcisock

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	afBluetooth = 31 // AF_BLUETOOTH, Linux-specific; absent from unix consts.

	btprotoHCI = 1

	hciChannelRaw     = 0
	hciChannelUser    = 1
	hciChannelControl = 3

	solHCI    = 0
	hciFilter = 2
)

type rawSockaddrHCI struct {
	Family  uint16
	Dev     uint16
	Channel uint16
}

// HCIFilter is the kernel's struct hci_filter: a whitelist of packet
// types and event codes the socket will deliver.
type HCIFilter struct {
	TypeMask  uint32
	EventMask [2]uint32
	Opcode    uint16
}

// Socket is a bound, read/write raw HCI socket for one adapter index.
type Socket struct {
	fd  int
	rmu sync.Mutex
	wmu sync.Mutex
}

// channelFor reports which HCI socket channel to bind: HCI_CHANNEL_USER
// grants exclusive low-level access (and disables the kernel's own HCI
// management of the adapter) but is refused on older kernels, which is
// why Open falls back to HCI_CHANNEL_RAW on EINVAL, exactly as the
// teacher's newSocket does.
func channelFor(user bool) uint16 {
	if user {
		return hciChannelUser
	}
	return hciChannelRaw
}

// Open binds a raw HCI socket to adapter index dev. It first attempts
// HCI_CHANNEL_USER (exclusive access, Linux 3.14+); on EINVAL it retries
// with HCI_CHANNEL_RAW for compatibility with older kernels.
func Open(dev int) (*Socket, error) {
	fd, err := socketRetry()
	if err != nil {
		return nil, err
	}
	if err := bind(fd, dev, channelFor(true)); err == unix.EINVAL {
		if err := bind(fd, dev, channelFor(false)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("hcisock: bind raw channel: %w", err)
		}
	} else if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hcisock: bind user channel: %w", err)
	}
	return &Socket{fd: fd}, nil
}

// OpenManagement binds HCI_CHANNEL_CONTROL on the special "non-controller"
// index used by the management protocol (see mgmt package).
func OpenManagement() (*Socket, error) {
	fd, err := socketRetry()
	if err != nil {
		return nil, err
	}
	if err := bind(fd, 0xFFFF, hciChannelControl); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hcisock: bind control channel: %w", err)
	}
	return &Socket{fd: fd}, nil
}

func socketRetry() (int, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW, btprotoHCI)
		if err == nil {
			return fd, nil
		}
		lastErr = err
		if err != unix.EBUSY {
			return 0, err
		}
		time.Sleep(time.Second)
	}
	return 0, lastErr
}

// bind performs the AF_BLUETOOTH bind(2) that golang.org/x/sys/unix has no
// typed Sockaddr for; it uses the raw bind syscall with a hand-packed
// sockaddr_hci.
func bind(fd, dev int, channel uint16) error {
	sa := rawSockaddrHCI{Family: uint16(afBluetooth), Dev: uint16(dev), Channel: channel}
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetFilter installs the HCI socket filter that whitelists the packet
// types and event codes the engine subscribes to.
func (s *Socket) SetFilter(f *HCIFilter) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(s.fd), solHCI, hciFilter,
		uintptr(unsafe.Pointer(f)), unsafe.Sizeof(*f), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Read blocks until a frame is available or the socket is closed.
func (s *Socket) Read(b []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return unix.Read(s.fd, b)
}

// Write sends a complete outbound frame; it blocks on socket backpressure.
func (s *Socket) Write(b []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return unix.Write(s.fd, b)
}

// Close unblocks any in-flight Read and releases the descriptor. Safe to
// call concurrently with Read/Write; the kernel guarantees the blocked
// read returns once the fd is closed.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// DefaultFilter returns the HCIFilter admitting exactly the event opcodes
// the HCI engine needs: CommandComplete, CommandStatus,
// DisconnectionComplete, NumberOfCompletedPackets, and the LE Meta event,
// plus every HCI packet type (command/ACL/event) on TypeMask.
func DefaultFilter() *HCIFilter {
	f := &HCIFilter{}
	setBit32(&f.TypeMask, 1) // HCI command packets (loopback)
	setBit32(&f.TypeMask, 2) // ACL data packets
	setBit32(&f.TypeMask, 4) // event packets
	for _, code := range []uint8{0x05, 0x0E, 0x0F, 0x13, 0x3E} {
		setBit64(&f.EventMask, code)
	}
	return f
}

func setBit32(mask *uint32, bit uint) { *mask |= 1 << bit }

func setBit64(mask *[2]uint32, bit uint8) {
	if bit < 32 {
		mask[0] |= 1 << bit
	} else {
		mask[1] |= 1 << (bit - 32)
	}
}
