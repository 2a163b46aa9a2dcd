package lamellar

// AllPEs is passed to `LamellaeAM.SendToPEs` to address every PE of the
// given `Arch` instead of a single one.
const AllPEs = -1

// Lamellae is the lifecycle surface every transport backend implements.
//
// `Init` MUST be called exactly once, collectively, before any other
// operation. `Finit` MUST be called before the process exits, hardware
// backed transports leak resources otherwise.
type Lamellae interface {
	// Init establishes the rank of this process and the size of the group.
	Init() (pe int, numPEs int, err error)

	// Finit tears the transport down. Calling it more than once is a no-op.
	Finit() error

	// AM returns the active-message endpoint of the transport.
	AM() LamellaeAM

	// RDMA returns the one-sided memory endpoint of the transport.
	RDMA() LamellaeRDMA

	// Barrier is a global barrier, every PE must call it the same number of
	// times and in the same order relative to other collectives.
	Barrier()

	Backend() Backend

	// MBSent returns the amount of megabytes handed to the transport so far.
	MBSent() float64

	// ReportStats logs a summary of the transport activity.
	ReportStats()
}

// LamellaeAM sends opaque active-message payloads to remote PEs.
//
// Sends return as soon as the payload is handed to the transport.
// The local PE MUST never be addressed: self delivery is short-circuited by
// the active-message layer before a payload is ever serialized.
type LamellaeAM interface {
	SendToPE(pe int, data []byte) error
	SendToAll(data []byte) error
	// SendToPEs delivers to `pe` when it is not `AllPEs`, otherwise to every
	// PE of `arch` except the local one.
	SendToPEs(pe int, arch Arch, data []byte) error
	// Barrier is an active-message mediated barrier, usable when the
	// hardware has no collective of its own.
	Barrier()
	Backend() Backend
}

// LamellaeRDMA exposes one-sided operations on the symmetric heap.
//
// Addresses are global: `BaseAddr()+offset` locally, and the same offset
// designates the matching region on every other PE.
type LamellaeRDMA interface {
	// Put copies src into the heap of pe at dst and returns once the remote
	// copy is complete.
	Put(pe int, src []byte, dst uintptr) error
	// IPut starts the same copy as Put but may return before the remote
	// side has applied it.
	IPut(pe int, src []byte, dst uintptr) error
	// PutAll performs Put on every PE.
	PutAll(src []byte, dst uintptr) error
	// Get blocks until len(dst) bytes at src on pe were copied into dst.
	Get(pe int, src uintptr, dst []byte) error
	// Alloc reserves size bytes in the symmetric heap, ok is false when
	// the heap is exhausted.
	Alloc(size int) (addr uintptr, ok bool)
	// Free releases a region returned by Alloc. Using addr afterwards is
	// undefined behaviour.
	Free(addr uintptr)
	BaseAddr() uintptr
	MyPE() int
}

// Scheduler is the execution layer a transport hands work to.
//
// Implementations MUST be safe for concurrent use, transports call them
// from their receive loops.
type Scheduler interface {
	// SubmitWork queues an inbound active-message payload sent by srcPE.
	SubmitWork(srcPE int, payload []byte)
	// Submit queues background work, transports use it to drive progress.
	// It MUST NOT block and MUST NOT bound how many tasks run at once:
	// receive loops live as long as the transport.
	Submit(task func())
}
