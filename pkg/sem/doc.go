// Package sem provides named counting semaphores shared between processes.
//
// A semaphore is a small file named sem.<name> in the shared memory directory (/dev/shm
// by default), the same place glibc keeps POSIX named semaphores. The file is mapped
// MAP_SHARED; the first word is the count and the second the number of sleeping waiters.
// On Linux, blocked waiters sleep on a shared futex. Other Unix systems poll.
//
// A Set bundles the three semaphores of a bounded buffer:
//
//	set, err := sem.OpenSet("pcipc", 10)
//	// producer
//	_ = set.Empty.Wait(ctx)
//	_ = set.Mutex.Wait(ctx)
//	// ... write a slot ...
//	_ = set.Mutex.Post()
//	_ = set.Full.Post()
//
// Always acquire Empty or Full before Mutex; the reverse order deadlocks under contention.
package sem
