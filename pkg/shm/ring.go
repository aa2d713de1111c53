package shm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/logging"
	"github.com/srediag/pcipc/internal/metrics"
	ishm "github.com/srediag/pcipc/internal/shm"
	"github.com/srediag/pcipc/pkg/sem"
)

const (
	// DefaultCapacity is used when the first process to attach does not ask for a capacity.
	DefaultCapacity = 10
	// DefaultSlotSize is the size of one message slot, terminating NUL included.
	DefaultSlotSize = 2048

	instrumentationName = "github.com/srediag/pcipc/pkg/shm"
)

var (
	// ErrEmpty is returned by TryDequeue when no message is ready yet.
	ErrEmpty = errors.New("ring is empty")
	// ErrDone is returned by TryDequeue once the producer marked the stream done and every
	// message was consumed.
	ErrDone = errors.New("ring is done")
	// ErrCorruptSegment is returned when a live segment has an unexpected descriptor.
	ErrCorruptSegment = errors.New("corrupt shared segment")
	// ErrNoSpace is returned when the shared memory filesystem cannot hold the segment.
	ErrNoSpace = errors.New("not enough space for shared segment")
	// ErrStaleSemaphores is returned by CreateOrAttach when the semaphore set was unlinked by
	// a detaching process while waiting for it. Reopen the set and retry.
	ErrStaleSemaphores = errors.New("semaphore set was unlinked")
	// ErrDetached is returned by operations on a detached ring, or on a ring whose segment
	// was destroyed underneath it.
	ErrDetached = errors.New("ring is detached")
)

// GrowthPolicy decides what happens when an attach asks for more slots than the live segment has.
type GrowthPolicy int

const (
	// GrowWhenDrained grows the segment only while no message is in flight; otherwise the
	// live capacity is kept.
	GrowWhenDrained GrowthPolicy = iota
	// GrowNever always keeps the live capacity.
	GrowNever
)

func (p GrowthPolicy) String() string {
	switch p {
	case GrowWhenDrained:
		return "grow-when-drained"
	case GrowNever:
		return "grow-never"
	default:
		return "unknown"
	}
}

// Config holds ring creation parameters.
type Config struct {
	// Name of the segment file inside Dir.
	Name string
	// Dir holding the segment; defaults to /dev/shm when available.
	Dir string
	// Capacity requested in slots. Zero attaches with whatever the live segment has, or
	// DefaultCapacity when creating.
	Capacity uint32
	// SlotSize is only used when creating; attaching processes adopt the live slot size.
	SlotSize     uint32
	GrowthPolicy GrowthPolicy

	Meter   metric.Meter
	Tracer  trace.Tracer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = ishm.DefaultDir()
	}
	if c.SlotSize == 0 {
		c.SlotSize = DefaultSlotSize
	}
	if c.Meter == nil {
		c.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if c.Tracer == nil {
		c.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Logger == nil {
		c.Logger = logging.Named("shm")
	}
	return c
}

// Ring is one process's handle on the shared queue.
type Ring struct {
	cfg    Config
	set    *sem.Set
	path   string
	region *ishm.MappedRegion

	// capacity and slotSize mirror the descriptor; updated under the mutex semaphore.
	capacity   atomic.Uint32
	slotSize   uint32
	generation uint32
	detached   atomic.Bool

	log      *zap.Logger
	enqueued metric.Int64Counter
	dequeued metric.Int64Counter
}

// CreateOrAttach opens the segment described by cfg, creating and initializing it if no
// live segment exists, and registers this handle in its reference count.
func CreateOrAttach(ctx context.Context, set *sem.Set, cfg Config) (*Ring, error) {
	cfg = cfg.withDefaults()
	ctx, span := cfg.Tracer.Start(ctx, "shm.CreateOrAttach", trace.WithAttributes(
		attribute.String("shm.name", cfg.Name),
		attribute.Int64("shm.requested_capacity", int64(cfg.Capacity)),
	))
	defer span.End()

	r := &Ring{
		cfg:  cfg,
		set:  set,
		path: filepath.Join(cfg.Dir, cfg.Name),
		log:  cfg.Logger.With(zap.String("segment", cfg.Name)),
	}
	var err error
	if r.enqueued, err = cfg.Meter.Int64Counter("pcipc.shm.enqueued"); err != nil {
		return nil, err
	}
	if r.dequeued, err = cfg.Meter.Int64Counter("pcipc.shm.dequeued"); err != nil {
		return nil, err
	}

	if err := set.Mutex.Wait(ctx); err != nil {
		return nil, err
	}
	if set.Stale() {
		_ = set.Mutex.Post()
		return nil, ErrStaleSemaphores
	}
	err = r.attachLocked(ctx)
	if perr := set.Mutex.Post(); err == nil {
		err = perr
	}
	if err != nil {
		if r.region != nil {
			_ = ishm.UnmapRegion(r.region)
		}
		span.RecordError(err)
		return nil, err
	}
	cfg.Metrics.Attaches.Inc()
	cfg.Metrics.SegmentCapacity.Set(float64(r.Capacity()))
	span.SetAttributes(attribute.Int64("shm.capacity", int64(r.Capacity())))
	return r, nil
}

func (r *Ring) attachLocked(ctx context.Context) error {
	region, err := ishm.MapRegion(ctx, ishm.MapOptions{Path: r.path, Size: HeaderSize, Create: true})
	if err != nil {
		return err
	}
	r.region = region
	if ishm.AtomicLoadUint32(region.Addr, offRunning) != 1 {
		return r.initLocked()
	}
	if err := validHeader(region.Addr); err != nil {
		return err
	}
	if err := ishm.RemapRegion(region); err != nil {
		return err
	}
	h := readHeader(region.Addr)
	if len(region.Addr) < SegmentSize(h.Capacity, h.SlotSize) {
		return fmt.Errorf("%w: %d bytes for %s", ErrCorruptSegment, len(region.Addr), h)
	}
	r.slotSize = h.SlotSize
	r.generation = h.Generation
	r.capacity.Store(h.Capacity)
	if want := r.cfg.Capacity; want > h.Capacity {
		if err := r.growLocked(h, want); err != nil {
			return err
		}
	}
	ishm.AtomicAddInt32(region.Addr, offRefcount, 1)
	r.log.Debug("attached", zap.Stringer("descriptor", readHeader(region.Addr)))
	return nil
}

// initLocked turns a fresh (or abandoned, not running) segment into an empty queue.
func (r *Ring) initLocked() error {
	capacity := r.cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	slotSize := r.cfg.SlotSize
	size := SegmentSize(capacity, slotSize)
	if !ishm.CanCreate(r.cfg.Dir, uint64(size)) {
		return fmt.Errorf("%w: %d bytes in %s", ErrNoSpace, size, r.cfg.Dir)
	}
	if err := ishm.GrowRegion(r.region, size); err != nil {
		return err
	}
	mem := r.region.Addr
	generation := ishm.AtomicLoadUint32(mem, offGeneration) + 1
	clear(mem)
	copy(mem[offMagic:], magic)
	ishm.AtomicStoreUint32(mem, offVersion, Version)
	ishm.AtomicStoreUint32(mem, offSlotSize, slotSize)
	ishm.AtomicStoreUint32(mem, offCapacity, capacity)
	ishm.AtomicStoreUint32(mem, offGeneration, generation)

	// The semaphores may predate this segment (left over by a crashed run, or created by a
	// peer with another depth). Nothing is in flight yet, so force them to (capacity, 0).
	for r.set.Full.TryWait() {
	}
	for e := r.set.Empty.Value(); e < capacity; e++ {
		if err := r.set.Empty.Post(); err != nil {
			return err
		}
	}
	for e := r.set.Empty.Value(); e > capacity && r.set.Empty.TryWait(); e-- {
	}

	ishm.AtomicAddInt32(mem, offRefcount, 1)
	ishm.AtomicStoreUint32(mem, offRunning, 1)
	r.slotSize = slotSize
	r.generation = generation
	r.capacity.Store(capacity)
	r.log.Info("segment initialized",
		zap.Uint32("capacity", capacity),
		zap.Uint32("slot_size", slotSize),
		zap.Uint32("generation", generation))
	return nil
}

// growLocked enlarges a live segment. Existing slots and indices are left alone; head and
// tail stay valid because they are below the old capacity.
func (r *Ring) growLocked(h Snapshot, want uint32) error {
	if r.cfg.GrowthPolicy == GrowNever {
		r.log.Warn("requested capacity ignored", zap.Uint32("requested", want), zap.Uint32("capacity", h.Capacity))
		return nil
	}
	// Every slot free and no enqueue or dequeue between its semaphore and the mutex.
	if h.Head != h.Tail || r.set.Full.Value() != 0 || r.set.Empty.Value() != h.Capacity {
		r.log.Warn("segment has messages in flight, keeping live capacity",
			zap.Uint32("requested", want), zap.Uint32("capacity", h.Capacity))
		return nil
	}
	size := SegmentSize(want, h.SlotSize)
	if !ishm.CanCreate(r.cfg.Dir, uint64(size-len(r.region.Addr))) {
		return fmt.Errorf("%w: %d bytes in %s", ErrNoSpace, size, r.cfg.Dir)
	}
	if err := ishm.GrowRegion(r.region, size); err != nil {
		return err
	}
	clear(r.region.Addr[SegmentSize(h.Capacity, h.SlotSize):size])
	ishm.AtomicStoreUint32(r.region.Addr, offCapacity, want)
	for i := h.Capacity; i < want; i++ {
		if err := r.set.Empty.Post(); err != nil {
			return err
		}
	}
	r.capacity.Store(want)
	r.cfg.Metrics.SegmentGrowths.Inc()
	r.log.Info("segment grown", zap.Uint32("from", h.Capacity), zap.Uint32("to", want))
	return nil
}

// syncLocked makes sure this handle still looks at the live generation and that its view
// covers every slot, remapping after another process grew the segment.
func (r *Ring) syncLocked() error {
	if r.detached.Load() {
		return ErrDetached
	}
	mem := r.region.Addr
	if ishm.AtomicLoadUint32(mem, offRunning) != 1 || ishm.AtomicLoadUint32(mem, offGeneration) != r.generation {
		return ErrDetached
	}
	capacity := ishm.AtomicLoadUint32(mem, offCapacity)
	if len(mem) < SegmentSize(capacity, r.slotSize) {
		if err := ishm.RemapRegion(r.region); err != nil {
			return err
		}
		r.log.Debug("remapped grown segment", zap.Uint32("capacity", capacity))
	}
	r.capacity.Store(capacity)
	return nil
}

func (r *Ring) slot(i uint32) []byte {
	off := SegmentSize(i, r.slotSize)
	return r.region.Addr[off : off+int(r.slotSize)]
}

// lock acquires the mutex semaphore and syncs the view.
func (r *Ring) lock(ctx context.Context) error {
	if err := r.set.Mutex.Wait(ctx); err != nil {
		return err
	}
	if err := r.syncLocked(); err != nil {
		_ = r.set.Mutex.Post()
		return err
	}
	return nil
}

func (r *Ring) unlock() error {
	return r.set.Mutex.Post()
}

// Enqueue blocks for a free slot and copies msg into it, truncated to SlotSize()-1 bytes
// and NUL-terminated.
func (r *Ring) Enqueue(ctx context.Context, msg []byte) error {
	if err := r.set.Empty.Wait(ctx); err != nil {
		return err
	}
	if err := r.lock(ctx); err != nil {
		_ = r.set.Empty.Post()
		return err
	}
	head := ishm.AtomicLoadUint32(r.region.Addr, offHead)
	slot := r.slot(head)
	n := copy(slot[:len(slot)-1], msg)
	clear(slot[n:])
	ishm.AtomicStoreUint32(r.region.Addr, offHead, (head+1)%r.capacity.Load())
	if err := r.unlock(); err != nil {
		return err
	}
	if err := r.set.Full.Post(); err != nil {
		return err
	}
	r.enqueued.Add(ctx, 1)
	return nil
}

// MarkDone tells consumers that no more messages will be enqueued in this generation.
func (r *Ring) MarkDone(ctx context.Context) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	ishm.AtomicStoreUint32(r.region.Addr, offDone, 1)
	return r.unlock()
}

// TryDequeue returns the oldest message without blocking for one. It returns ErrEmpty when
// nothing is ready and ErrDone once the stream is finished and drained.
func (r *Ring) TryDequeue(ctx context.Context) ([]byte, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	finished := ishm.AtomicLoadUint32(r.region.Addr, offDone) == 1 && r.set.Full.Value() == 0
	if err := r.unlock(); err != nil {
		return nil, err
	}
	if finished {
		return nil, ErrDone
	}
	if !r.set.Full.TryWait() {
		return nil, ErrEmpty
	}
	if err := r.lock(ctx); err != nil {
		_ = r.set.Full.Post()
		return nil, err
	}
	tail := ishm.AtomicLoadUint32(r.region.Addr, offTail)
	msg := append([]byte(nil), cString(r.slot(tail))...)
	ishm.AtomicStoreUint32(r.region.Addr, offTail, (tail+1)%r.capacity.Load())
	if err := r.unlock(); err != nil {
		return nil, err
	}
	if err := r.set.Empty.Post(); err != nil {
		return nil, err
	}
	r.dequeued.Add(ctx, 1)
	return msg, nil
}

// Receive drains the ring, calling fn for every message, until the stream is done. Between
// empty polls it sleeps for interval; a shorter interval lowers latency and costs CPU.
// It returns the number of messages delivered to fn.
func (r *Ring) Receive(ctx context.Context, interval time.Duration, fn func([]byte) error) (int, error) {
	var n int
	for {
		msg, err := r.TryDequeue(ctx)
		switch {
		case err == nil:
			n++
			if err := fn(msg); err != nil {
				return n, err
			}
		case errors.Is(err, ErrDone):
			return n, nil
		case errors.Is(err, ErrEmpty):
			r.cfg.Metrics.EmptyPolls.Inc()
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return n, ctx.Err()
			case <-t.C:
			}
		default:
			return n, err
		}
	}
}

// Stats returns a consistent snapshot taken under the mutex.
func (r *Ring) Stats(ctx context.Context) (Snapshot, error) {
	if err := r.lock(ctx); err != nil {
		return Snapshot{}, err
	}
	s := readHeader(r.region.Addr)
	s.Empty = r.set.Empty.Value()
	s.Full = r.set.Full.Value()
	return s, r.unlock()
}

// Slot returns a copy of the raw bytes of slot i, for inspection.
func (r *Ring) Slot(ctx context.Context, i uint32) ([]byte, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()
	if i >= r.capacity.Load() {
		return nil, fmt.Errorf("slot %d out of range [0,%d)", i, r.capacity.Load())
	}
	return append([]byte(nil), r.slot(i)...), nil
}

// Capacity returns the number of slots as last seen by this handle.
func (r *Ring) Capacity() uint32 { return r.capacity.Load() }

// SlotSize returns the size of one slot.
func (r *Ring) SlotSize() uint32 { return r.slotSize }

// Path returns the segment file.
func (r *Ring) Path() string { return r.path }

// Detach drops this handle from the reference count. The last handle to detach removes
// the segment and unlinks the semaphore names before releasing the mutex, so no attach can
// slip in between the decision and the removal. A finished stream that still holds
// undelivered messages is kept, with its semaphores, for the next consumer to drain; that
// consumer's detach removes it. It reports whether it destroyed the segment.
// The semaphore set itself is left open for the caller to close.
func (r *Ring) Detach() (bool, error) {
	ctx, span := r.cfg.Tracer.Start(context.Background(), "shm.Detach")
	defer span.End()
	if r.detached.Swap(true) {
		return false, ErrDetached
	}
	if err := r.set.Mutex.Wait(ctx); err != nil {
		return false, err
	}
	var errs []error
	destroyed, retained := false, false
	mem := r.region.Addr
	live := ishm.AtomicLoadUint32(mem, offRunning) == 1 && ishm.AtomicLoadUint32(mem, offGeneration) == r.generation
	if live {
		rc := ishm.AtomicAddInt32(mem, offRefcount, -1)
		switch {
		case rc > 0:
		case ishm.AtomicLoadUint32(mem, offDone) == 1 && r.set.Full.Value() > 0:
			retained = true
		default:
			ishm.AtomicStoreUint32(mem, offRunning, 0)
			if err := ishm.RemoveRegion(r.path); err != nil {
				errs = append(errs, err)
			}
			if err := r.set.Unlink(); err != nil {
				errs = append(errs, err)
			}
			destroyed = true
		}
	}
	if err := r.set.Mutex.Post(); err != nil {
		errs = append(errs, err)
	}
	if err := ishm.UnmapRegion(r.region); err != nil {
		errs = append(errs, err)
	}
	r.cfg.Metrics.Detaches.WithLabelValues(strconv.FormatBool(destroyed)).Inc()
	span.SetAttributes(attribute.Bool("shm.destroyed", destroyed))
	switch {
	case destroyed:
		r.log.Info("segment destroyed", zap.String("path", r.path))
	case retained:
		r.log.Info("segment retained until drained", zap.String("path", r.path))
	default:
		r.log.Debug("detached")
	}
	return destroyed, errors.Join(errs...)
}
