package subscription

import "github.com/trackle-iot/trackle-go/pkg/coap"

// AnnounceRequests builds one GET /e/<name>[?u] request per active
// subscription, for re-announcement to the broker on every successful
// handshake. The "u" Uri-Query option is attached for
// ScopeMyDevices subscriptions; Firehose subscriptions omit it. idAlloc is
// called once per request to assign its CoAP message id.
func AnnounceRequests(entries []*Entry, idAlloc func() uint16) []coap.Message {
	msgs := make([]coap.Message, 0, len(entries))
	for _, e := range entries {
		m := coap.Message{Type: coap.TypeConfirmable, Code: coap.CodeGET, ID: idAlloc()}
		segments := append([]string{coap.PathEventPublic}, splitFilterPath(e.FilterPrefix)...)
		m.SetUriPath(segments...)
		if e.Scope == ScopeMyDevices {
			m.Options = append(m.Options, coap.Option{Number: coap.OptionUriQuery, Value: []byte("u")})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// splitFilterPath mirrors the "/"-delimited segment splitting app_messages.go
// uses for outbound event names, so a filter prefix like "my/event" reaches
// the broker as two Uri-Path segments rather than one literal string.
func splitFilterPath(prefix string) []string {
	if prefix == "" {
		return nil
	}
	var segs []string
	start := 0
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == '/' {
			segs = append(segs, prefix[start:i])
			start = i + 1
		}
	}
	return append(segs, prefix[start:])
}
