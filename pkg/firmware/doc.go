// Package firmware implements the chunked transfer engine:
// the firmware-update receive state machine driven by the broker's
// UpdateBegin/SaveBegin, Chunk, and UpdateDone messages. Persistence of the
// actual chunk bytes is an external collaborator (the Store interface);
// this package only tracks which indices have arrived and sequences the
// begin/chunk/done lifecycle.
package firmware
