// Package pemi implements a transparent middlebox performance enhancement
// for encrypted QUIC traffic (PEMI).
//
// PEMI sits on-path between a QUIC sender and receiver, observing the
// bidirectional UDP/QUIC traffic without possessing any session keys. When
// it infers, from flowlet locality and reverse-traffic timing, that a
// server-sent packet was probably lost, it injects a verbatim copy of that
// packet back into the forward path to accelerate retransmission.
//
// The engine never decrypts traffic, never reassembles QUIC streams, and
// never replaces congestion control. It is best-effort: it may miss losses
// or occasionally inject spurious retransmissions, but it must never corrupt
// a flow and must never amplify traffic beyond a configured budget.
//
// Use [NewEngine] to construct an [Engine] bound to a [PacketIO] duplex and
// a [Config], then call [Engine.Run] to start the single-threaded,
// event-driven packet pump described in the package's design notes.
package pemi
