package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var errPoolExhausted = errors.New("non-confidential memory exhausted")

// pool hands out the hypervisor's non-confidential pages backing shared
// pages. Pages are never returned.
type pool struct {
	mu   sync.Mutex
	next uint64
	end  uint64
}

func newPool(start, end uint64) *pool {
	return &pool{next: start, end: end}
}

// alloc returns size bytes aligned to size.
func (p *pool) alloc(size uint64) (uint64, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, fmt.Errorf("allocate %#x bytes: size must be a power of two", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	addr := (p.next + size - 1) &^ (size - 1)
	if addr < p.next || addr+size > p.end {
		return 0, fmt.Errorf("allocate %#x bytes: %w", size, errPoolExhausted)
	}

	p.next = addr + size

	return addr, nil
}

// device is an MMIO device emulated by the hypervisor: a bank of 32-bit
// registers.
type device struct {
	mu   sync.Mutex
	regs map[uint64]uint32
}

func newDevice() *device {
	return &device{regs: map[uint64]uint32{}}
}

func (d *device) load(log logrus.FieldLogger, addr uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.regs[addr]
	log.WithFields(logrus.Fields{"address": fmt.Sprintf("%#x", addr), "value": v}).Debug("mmio load")

	return uint64(v)
}

func (d *device) store(log logrus.FieldLogger, addr, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs[addr] = uint32(v)
	log.WithFields(logrus.Fields{"address": fmt.Sprintf("%#x", addr), "value": uint32(v)}).Debug("mmio store")
}
