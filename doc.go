// Package lamellar is the communication substrate of a PGAS runtime: a job
// runs as many cooperating *processing elements* (PEs) that invoke active
// messages on each other and read or write a globally addressable heap.
//
// ## How it works
//
// A transport is a `Lamellae`. You get one from `Create`, giving it the
// `Backend` you want and the `Scheduler` that will run inbound work. A
// backend that was not compiled in silently falls back to `BackendLocal`,
// which keeps every PE in the same process.
//
// Once `Lamellae.Init` returned, the PE knows its rank and the size of the
// world. It can then:
//
// * Hand opaque payloads to remote PEs through `Lamellae.AM`.
// * Copy bytes to and from the symmetric heap of any PE through
// `Lamellae.RDMA`. Every PE allocates in the same order, so the same offset
// designates the matching region everywhere.
// * Synchronize with every other PE with `Lamellae.Barrier`.
//
// On top of that, a call that expects results creates a `Request` and its
// `InternalReq` with `NewRequest`. The active-message layer keeps the
// `InternalReq` under `Request.ID` and delivers each reply through it, in
// whatever order the transport hands them over. The caller blocks in
// `Request.Get` or `Request.GetAll` until every addressed PE answered.
// The `lamellar/pkg/am` package is such a layer.
//
// ## The QUIC backend
//
// Built with `-tags quic`, each PE is a process. PEs discover each other
// with [`hashicorp/memberlist`][dep-mbl] and rank themselves by sorting
// their node names. The gossip does not open sockets of its own: its
// packets ride [`quic-go`][dep-qgo] datagrams and its streams are QUIC
// streams, so a single mTLS-authenticated connection carries everything
// between two PEs.
//
// ## Design Principles
//
// ### Never block a producer
//
// Replies are pushed by transport receive loops. The queue of a request is
// unbounded so a slow consumer never stalls the network.
//
// ### Liveness is the caller's contract
//
// There is no timeout at this layer. A fan-out request waits for one
// mappable reply per addressed PE: if the team `Arch` cannot map one of the
// PEs a payload was actually sent to, `Request.GetAll` never returns.
// Dropping a `Request` is advisory and never unblocks a waiting goroutine.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-qgo]: https://pkg.go.dev/github.com/quic-go/quic-go
package lamellar
