// Package persistence implements the external session-persistence
// collaborator the DTLS channel calls into on save_session and
// load_session. The blob is opaque to this package — it only stores and
// retrieves bytes; dtls.Channel owns the encoding.
package persistence
