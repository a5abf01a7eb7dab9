//go:build linux

package ioengine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uringRing drives a single io_uring instance for one backing file.
// Submission is serialized by submitMu: the engine is single-threaded per
// ring by design (spec C2), so there is never more than one SQE in flight
// from this process's perspective even though the kernel may complete
// several entries out of submission order.
type uringRing struct {
	fd      int // the io_uring instance fd
	boundFd int // the backing file's fd, targeted by every submitted SQE

	sqMmap, cqMmap, sqeMmap []byte

	sqHead, sqTail *uint32
	sqMask         uint32
	sqArray        []uint32
	sqes           []unix.IoUringSqe

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           []unix.IoUringCqe

	submitMu sync.Mutex
	userData uint64
}

func newRing(file *os.File, cfg Config) (ring, error) {
	params := &unix.IoUringParams{}
	if cfg.SQThreadCPU >= 0 {
		params.Flags |= unix.IORING_SETUP_SQ_AFF | unix.IORING_SETUP_SQPOLL
		params.SqThreadCpu = uint32(cfg.SQThreadCPU)
	}

	fd, err := unix.IoUringSetup(uint32(cfg.RingEntries), params)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup: %w", err)
	}

	r := &uringRing{fd: fd, boundFd: int(file.Fd())}
	if err := r.mapRings(params); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *uringRing) mapRings(p *unix.IoUringParams) error {
	sqRingSize := int(p.SqOff.Array) + int(p.SqEntries)*4
	cqRingSize := int(p.CqOff.Cqes) + int(p.CqEntries)*int(unsafe.Sizeof(unix.IoUringCqe{}))

	sqMmap, err := unix.Mmap(r.fd, unix.IORING_OFF_SQ_RING, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMmap = sqMmap

	cqMmap, err := unix.Mmap(r.fd, unix.IORING_OFF_CQ_RING, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.cqMmap = cqMmap

	sqeSize := int(unsafe.Sizeof(unix.IoUringSqe{}))
	sqeMmap, err := unix.Mmap(r.fd, unix.IORING_OFF_SQES, int(p.SqEntries)*sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqeMmap = sqeMmap

	r.sqHead = (*uint32)(unsafe.Pointer(&sqMmap[p.SqOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqMmap[p.SqOff.Tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&sqMmap[p.SqOff.RingMask]))

	arrayPtr := unsafe.Pointer(&sqMmap[p.SqOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(arrayPtr), p.SqEntries)

	sqesPtr := unsafe.Pointer(&sqeMmap[0])
	r.sqes = unsafe.Slice((*unix.IoUringSqe)(sqesPtr), p.SqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&cqMmap[p.CqOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&cqMmap[p.CqOff.Tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&cqMmap[p.CqOff.RingMask]))

	cqesPtr := unsafe.Pointer(&cqMmap[p.CqOff.Cqes])
	r.cqes = unsafe.Slice((*unix.IoUringCqe)(cqesPtr), p.CqEntries)

	return nil
}

// submit pushes one SQE describing op/fd/buf/off, enters the kernel, and
// blocks until the matching CQE appears. Ring completions are not ordered
// across concurrent submitters, but this ring only ever has one submission
// outstanding at a time (guarded by submitMu), so the single completion it
// waits for is unambiguous.
func (r *uringRing) submit(ctx context.Context, op uint8, fd int, buf []byte, off int64) error {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()

	tail := atomic.LoadUint32(r.sqTail)
	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	*sqe = unix.IoUringSqe{}
	sqe.Opcode = op
	sqe.Fd = int32(fd)
	sqe.Off = uint64(off)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))

	myData := atomic.AddUint64(&r.userData, 1)
	sqe.UserData = myData

	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)

	if _, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 1, 1, unix.IORING_ENTER_GETEVENTS, 0, 0); errno != 0 {
		return fmt.Errorf("io_uring_enter: %w", errno)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		head := atomic.LoadUint32(r.cqHead)
		tail := atomic.LoadUint32(r.cqTail)
		if head == tail {
			continue
		}
		cqe := &r.cqes[head&r.cqMask]
		completedData := cqe.UserData
		res := cqe.Res
		atomic.StoreUint32(r.cqHead, head+1)
		if completedData != myData {
			// A completion for a different (earlier, already-abandoned)
			// submission; keep draining, ours is still pending.
			continue
		}
		if res < 0 {
			return fmt.Errorf("io_uring completion: errno %d", -res)
		}
		return nil
	}
}

func (r *uringRing) submitRead(ctx context.Context, buf []byte, off int64) error {
	return r.submit(ctx, unix.IORING_OP_READ, int(r.fileFd()), buf, off)
}

func (r *uringRing) submitWrite(ctx context.Context, buf []byte, off int64) error {
	return r.submit(ctx, unix.IORING_OP_WRITE, int(r.fileFd()), buf, off)
}

func (r *uringRing) fileFd() uintptr { return uintptr(r.boundFd) }

func (r *uringRing) close() error {
	unix.Munmap(r.sqMmap)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqeMmap)
	return unix.Close(r.fd)
}
