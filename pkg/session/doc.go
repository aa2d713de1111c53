// Package session runs a producer or a consumer over one of the transports and owns the
// resources it acquires.
//
// A Session moves through lifecycle.Initializing (resources acquired by New), Active (Run),
// Draining and Closed (Close). For the shm backend Close detaches from the ring; the last
// session to detach removes the segment and its semaphores. A socket producer unlinks the
// semaphores on Close. Errors carry a Kind that the command line maps to exit codes.
//
//	s, err := session.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	stats, err := s.Run(ctx)
package session
