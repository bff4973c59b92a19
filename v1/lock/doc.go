// Package lock defines the acquisition contracts shared by every latch
// primitive and provides the in-process ones: Mutex, an exclusive lock with a
// FIFO wait queue, and Semaphore, a counting semaphore whose handles may hold
// several slots and release them partially.
//
// A Lock is an identity plus a factory. Each call to Create returns a fresh
// handle that tracks its own acquisition state, so several handles on the same
// lock compete with each other exactly like independent callers would.
// Distributed variants live in the filelock and redislock packages and satisfy
// the same contracts.
package lock
