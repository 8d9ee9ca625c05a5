// Package mutex provides kernel-backed mutual exclusion wrappers: Mutex,
// RecursiveMutex and a scoped Guard. A wrapper owns exactly one kernel
// handle, created with it and destroyed by Close, and a unique owner token
// identifying it to the kernel; recursion is therefore per wrapper instance,
// not per goroutine. All coordination (blocking, waking, timeouts, recursion
// accounting) happens in the backing kernel; the wrappers add create/destroy
// pairing, owner identity and scoped release. Wrappers must not be used from
// finalizers, which have no safe way to block or to fail.
//
// The two mutex variants are deliberately separate concrete types with no
// shared implementation: recursion support is the only difference between
// them and it is a behavioral policy of the kernel object, not structure
// worth abstracting.
package mutex
