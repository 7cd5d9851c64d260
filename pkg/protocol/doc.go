// Package protocol implements the device-side protocol facade: the single owner of the DTLS channel, CoAP message store,
// subscription table, registered functions/variables/properties, pending
// completion registry, and firmware-transfer engine. One Loop call runs
// one cooperative pass of the event loop; the host invokes it
// periodically and never from more than one goroutine.
package protocol
