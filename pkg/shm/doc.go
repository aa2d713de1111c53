// Package shm implements a bounded message queue living in a named shared memory segment.
//
// The segment starts with a 64-byte descriptor (capacity, head, tail, reference count,
// lifecycle flags) followed by capacity fixed-size slots. Every process that wants to use
// the queue attaches with CreateOrAttach; the first one initializes the descriptor, later
// ones bump the reference count. The descriptor is only touched while holding the mutex
// semaphore of the accompanying sem.Set, and empty/full provide flow control:
//
//	set, _ := sem.OpenSet("pcipc", 5)
//	ring, _ := shm.CreateOrAttach(ctx, set, shm.Config{Name: "pcipc_queue", Capacity: 5})
//	defer ring.Detach()
//	_ = ring.Enqueue(ctx, []byte("hello world"))
//	_ = ring.MarkDone(ctx)
//
// A consumer drains with Receive (or TryDequeue) until ErrDone. The last process to
// detach removes the segment and the semaphores.
package shm
