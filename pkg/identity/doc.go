// Package identity holds the credentials a device core is constructed with:
// its 12-byte device ID, its ECDSA P-256 private key, and the broker's
// pinned public key. There is no PKI chain: the broker's key is
// configured out of band and trusted directly.
package identity
