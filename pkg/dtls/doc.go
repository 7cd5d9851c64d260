// Package dtls implements the DTLS 1.2 channel the device core tunnels its
// CoAP messages through: handshake, AES-128-CCM-8 record encryption,
// session persistence/resumption, and NAT-rebind migration.
//
// Only the single cipher suite the broker speaks is implemented —
// TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8 — so there is no suite negotiation,
// no certificate chain, and no TLS 1.3 fallback. This is hand-rolled
// rather than built on a general DTLS library for the same reason as
// pkg/coap: the single fixed suite, the custom 0xFE migration record, and
// the opaque persisted session blob are not things a general DTLS stack
// exposes hooks for.
package dtls
