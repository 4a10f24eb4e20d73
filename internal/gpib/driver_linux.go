//go:build linux

package gpib

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl command numbers for the Linux GPIB kernel driver's
// /dev/gpib<N> character device, mirroring linux-gpib's uapi
// gpib_user.h ioctl surface closely enough to drive read/write/clear/
// trigger/serial-poll/listener-probe through the same request shapes
// its userspace library uses.
const (
	ioctlRequestSystemValues = 0x8010ca00
	ioctlOpenDevice          = 0xc020ca01
	ioctlCloseDevice         = 0x8004ca02
	ioctlRead                = 0xc018ca03
	ioctlWrite               = 0xc018ca04
	ioctlClear               = 0x8004ca05
	ioctlTrigger             = 0x8004ca06
	ioctlSerialPoll          = 0xc008ca07
	ioctlLines               = 0xc004ca08
)

type ibRWArg struct {
	Handle   uint32
	Addr     unsafe.Pointer
	Len      uint64
	Count    uint64
	EndFlag  uint32
	TimeoutMs uint32
}

type ibOpenArg struct {
	Board     uint32
	Primary   int32
	Secondary int32
}

// drvLinux talks to one board's /dev/gpib<N> device. Handles are plain
// ints the kernel driver hands back from ioctlOpenDevice; Engine
// treats them opaquely.
type drvLinux struct {
	mu    sync.Mutex
	files map[int]*os.File // board -> open character device
}

func newDefaultDriver() driver {
	return &drvLinux{files: make(map[int]*os.File)}
}

func (d *drvLinux) fileFor(board int) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[board]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/dev/gpib%d", board), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gpib: open /dev/gpib%d: %w", board, err)
	}
	d.files[board] = f
	return f, nil
}

func (d *drvLinux) Listen(board, primary, secondary int) (bool, error) {
	f, err := d.fileFor(board)
	if err != nil {
		return false, err
	}
	arg := ibOpenArg{Board: uint32(board), Primary: int32(primary), Secondary: int32(secondary)}
	// IBLN-style non-disruptive probe: the driver answers ENOTTY/EBUSY
	// shaped errnos when nothing answers at the address, success when
	// a listener is present, without allocating a handle either way.
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlLines), uintptr(unsafe.Pointer(&arg)))
	return errno == 0, nil
}

func (d *drvLinux) Open(board, primary, secondary int) (int, error) {
	f, err := d.fileFor(board)
	if err != nil {
		return 0, err
	}
	arg := ibOpenArg{Board: uint32(board), Primary: int32(primary), Secondary: int32(secondary)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlOpenDevice), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return 0, fmt.Errorf("gpib: open handle board=%d primary=%d secondary=%d: %w", board, primary, secondary, errno)
	}
	return int(arg.Board)<<16 | (primary&0xff)<<8 | (secondary & 0xff), nil
}

func (d *drvLinux) Close(handle int) error {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return err
	}
	h := uint32(handle)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlCloseDevice), uintptr(unsafe.Pointer(&h)))
	if errno != 0 {
		return fmt.Errorf("gpib: close handle %d: %w", handle, errno)
	}
	return nil
}

func (d *drvLinux) Write(handle int, data []byte, eoi bool, timeout time.Duration) (int, error) {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return 0, err
	}
	end := uint32(0)
	if eoi {
		end = 1
	}
	arg := ibRWArg{
		Handle:    uint32(handle),
		Addr:      unsafe.Pointer(&data[0]),
		Len:       uint64(len(data)),
		EndFlag:   end,
		TimeoutMs: uint32(timeout / time.Millisecond),
	}
	if len(data) == 0 {
		return 0, nil
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlWrite), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return 0, fmt.Errorf("gpib: write: %w", errno)
	}
	return int(arg.Count), nil
}

func (d *drvLinux) Read(handle int, buf []byte, timeout time.Duration) (int, bool, error) {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return 0, false, err
	}
	if len(buf) == 0 {
		return 0, false, nil
	}
	arg := ibRWArg{
		Handle:    uint32(handle),
		Addr:      unsafe.Pointer(&buf[0]),
		Len:       uint64(len(buf)),
		TimeoutMs: uint32(timeout / time.Millisecond),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlRead), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return 0, false, fmt.Errorf("gpib: read: %w", errno)
	}
	return int(arg.Count), arg.EndFlag != 0, nil
}

func (d *drvLinux) Clear(handle int) error {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return err
	}
	h := uint32(handle)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlClear), uintptr(unsafe.Pointer(&h)))
	if errno != 0 {
		return fmt.Errorf("gpib: clear: %w", errno)
	}
	return nil
}

func (d *drvLinux) Trigger(handle int) error {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return err
	}
	h := uint32(handle)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlTrigger), uintptr(unsafe.Pointer(&h)))
	if errno != 0 {
		return fmt.Errorf("gpib: trigger: %w", errno)
	}
	return nil
}

func (d *drvLinux) SerialPoll(handle int) (byte, error) {
	board := handle >> 16
	f, err := d.fileFor(board)
	if err != nil {
		return 0, err
	}
	var resp [2]uint32
	resp[0] = uint32(handle)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlSerialPoll), uintptr(unsafe.Pointer(&resp)))
	if errno != 0 {
		return 0, fmt.Errorf("gpib: serial poll: %w", errno)
	}
	return byte(resp[1]), nil
}
