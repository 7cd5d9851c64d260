package protocol

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/trackle-iot/trackle-go/pkg/ack"
	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/diagnostic"
	"github.com/trackle-iot/trackle-go/pkg/dtls"
	"github.com/trackle-iot/trackle-go/pkg/firmware"
	"github.com/trackle-iot/trackle-go/pkg/identity"
	"github.com/trackle-iot/trackle-go/pkg/keepalive"
	"github.com/trackle-iot/trackle-go/pkg/log"
	"github.com/trackle-iot/trackle-go/pkg/publish"
	"github.com/trackle-iot/trackle-go/pkg/retransmit"
	"github.com/trackle-iot/trackle-go/pkg/subscription"
)

// Channel is the facade's view of the DTLS layer. *dtls.Channel satisfies
// it; tests substitute scripted channels.
type Channel interface {
	Establish(elapsed time.Duration) (dtls.Result, error)
	Send(frame []byte) error
	Receive() ([]byte, error)
	Command(cmd dtls.Command) error
	SkipHello() bool
	HandleKeyChange(der []byte) error
}

// System event names the facade emits during the post-Hello sequence.
const (
	eventUpdatesForced  = "trackle/device/updates/forced"
	eventUpdatesEnabled = "trackle/device/updates/enabled"
	eventClaimCode      = "trackle/device/claim/code"
)

// DefaultTTL is the event TTL the wire format omits.
const DefaultTTL = 60

// ackRegistrationTimeout bounds how long a completion handler waits before
// firing with Timeout; aligned with the CoAP retransmission window so the
// two mechanisms give up together.
func (f *Facade) ackRegistrationTimeout() time.Duration {
	return f.cfg.AckTimeout * retransmit.MaxTransmitWaitFactor
}

// Facade owns the whole device-side protocol state: the
// DTLS channel, message store, subscription table, registered entities,
// pending-ack registry and chunked-transfer engine. Single-threaded: every
// method must be called from the one loop that drives Loop.
type Facade struct {
	cfg    Config
	id     *identity.Identity
	logger log.Logger

	ch     Channel
	connID string

	store    *retransmit.Store
	acks     *ack.Registry
	subs     *subscription.Table
	pub      *publish.Publisher
	pubIDs   *publish.Counter
	fw       *firmware.Engine
	pinger   *keepalive.Pinger
	tsync    *keepalive.TimeSync
	diag     *diagnostic.Registry
	entities *entityTable

	property         PropertyHandler
	propertyUserData any
	signal           func(on bool, intensity uint8)
	setTime          func(unixSeconds uint32)
	reboot           func()
	fwStore          firmware.Store

	rng        *mrand.Rand
	msgID      uint16
	lastTick   time.Time
	ticked     bool
	lastAck    time.Time
	lastHealth time.Time

	timeToken  byte
	helloID    uint16
	helloSent  bool
	helloAcked bool

	claimCode      string
	claimCodeSent  bool
	updatesEnabled bool
	updatesForced  bool
	otaSuccessful  bool

	inHandler     bool
	pendingReboot bool
}

// Option customizes a Facade at construction.
type Option func(*Facade)

// WithLogger attaches a protocol-event logger.
func WithLogger(l log.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithFirmwareStore wires the external firmware-chunk persistence
// collaborator. Without it, update requests are refused with
// a coded error.
func WithFirmwareStore(s firmware.Store) Option {
	return func(f *Facade) { f.fwStore = s }
}

// WithSetTime wires the host clock-setting callback for time-sync.
func WithSetTime(fn func(unixSeconds uint32)) Option {
	return func(f *Facade) { f.setTime = fn }
}

// WithReboot wires the platform reboot callback invoked after a firmware
// update that did not request "don't reset".
func WithReboot(fn func()) Option {
	return func(f *Facade) { f.reboot = fn }
}

// WithSignal wires the host identify/LED callback for broker-initiated
// signal start/stop commands.
func WithSignal(fn func(on bool, intensity uint8)) Option {
	return func(f *Facade) { f.signal = fn }
}

// WithRandSeed fixes the internal non-cryptographic RNG, for tests.
func WithRandSeed(seed int64) Option {
	return func(f *Facade) { f.rng = mrand.New(mrand.NewSource(seed)) }
}

// newSeededRand seeds math/rand from crypto/rand: jitter, message-id
// starts and publish-id prefixes need unpredictability across reboots,
// not cryptographic strength.
func newSeededRand() *mrand.Rand {
	var b [8]byte
	if _, err := crand.Read(b[:]); err == nil {
		return mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
	}
	return mrand.New(mrand.NewSource(1))
}

// NewFacade constructs the protocol facade for one device identity.
func NewFacade(cfg Config, id *identity.Identity, opts ...Option) *Facade {
	cfg = cfg.withDefaults()
	f := &Facade{
		cfg:      cfg,
		id:       id,
		logger:   log.NoopLogger{},
		acks:     ack.NewRegistry(),
		subs:     subscription.NewTable(),
		diag:     diagnostic.NewRegistry(),
		entities: newEntityTable(),
		pinger:   keepalive.NewPinger(cfg.PingInterval),
		tsync:    keepalive.NewTimeSync(),
		store:    retransmit.NewStore(cfg.AckTimeout),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.rng == nil {
		f.rng = newSeededRand()
	}
	f.pub = publish.NewPublisher(publish.NewRateLimiter())
	f.pubIDs = publish.NewCounter(
		func() (uint32, error) { return f.rng.Uint32(), nil },
		func(msg string) { f.logError(log.LayerProtocol, msg, nil) },
	)
	f.fw = firmware.NewEngine(f.fwStore)
	return f
}

// Config returns the facade's resolved configuration.
func (f *Facade) Config() Config { return f.cfg }

// Diagnostics exposes the facade-owned diagnostic registry so the host and
// the supervisor can record metrics.
func (f *Facade) Diagnostics() *diagnostic.Registry { return f.diag }

// RegisterFunction registers a remotely callable function. Keys longer
// than the maximum are truncated and registration proceeds.
func (f *Facade) RegisterFunction(key string, fn FunctionHandler, permission Permission, userData any) {
	f.entities.registerFunction(key, fn, permission, userData)
}

// RegisterVariable registers a remotely readable variable.
func (f *Facade) RegisterVariable(key string, kind coap.VariableKind, accessor VariableAccessor, userData any) {
	f.entities.registerVariable(key, kind, accessor, userData)
}

// OnProperty registers the handler applied to broker Property-update
// requests.
func (f *Facade) OnProperty(fn PropertyHandler, userData any) {
	f.property = fn
	f.propertyUserData = userData
}

// SetClaimCode stores the provisioning claim token emitted once per
// successful Hello.
func (f *Facade) SetClaimCode(code string) {
	f.claimCode = code
	f.claimCodeSent = false
}

// SetUpdatesEnabled records the host's OTA policy; the flag is both
// enforced locally on UpdateBegin and announced after Hello.
func (f *Facade) SetUpdatesEnabled(enabled bool) {
	f.updatesEnabled = enabled
	f.fw.UpdatesEnabled = enabled
}

// SetUpdatesForced marks pending updates as forced by the host.
func (f *Facade) SetUpdatesForced(forced bool) { f.updatesForced = forced }

// SetOTAUpgradeSuccessful records whether the previous boot completed an
// OTA update, advertised in the next Hello's flags byte.
func (f *Facade) SetOTAUpgradeSuccessful(ok bool) { f.otaSuccessful = ok }

// SetPingInterval overrides the keepalive interval, capped
// at MaxPingInterval.
func (f *Facade) SetPingInterval(interval time.Duration, source keepalive.Source) {
	if interval > MaxPingInterval {
		interval = MaxPingInterval
	}
	f.pinger.SetInterval(interval, source)
}

// Attach binds the facade to a freshly established channel. Per-session
// state (message-id counter, retransmission store, time-sync) restarts;
// registered entities, subscriptions and diagnostics persist across
// sessions.
func (f *Facade) Attach(ch Channel) {
	f.ch = ch
	f.connID = uuid.NewString()
	f.msgID = uint16(f.rng.Intn(1 << 16))
	f.store = retransmit.NewStore(f.cfg.AckTimeout)
	f.tsync = keepalive.NewTimeSync()
	f.helloSent = false
	f.helloAcked = false
	f.claimCodeSent = false
	f.lastAck = time.Time{}
}

// Detach tears the facade off its channel: every pending completion fires
// with Cancelled, and in-flight publishes and firmware transfers are
// dropped.
func (f *Facade) Detach() {
	f.ch = nil
	f.acks.CancelAll()
	f.store.Cancel()
	f.pub.CancelAll(ErrSessionDiscarded)
	f.fw.Reset()
}

// Connected reports whether a channel is attached.
func (f *Facade) Connected() bool { return f.ch != nil }

// HelloAcked reports whether the current session's Hello has been
// acknowledged (or skipped, on session resume).
func (f *Facade) HelloAcked() bool { return f.helloAcked }

func (f *Facade) nextID() uint16 {
	f.msgID++
	if f.msgID == 0 {
		f.msgID = 1
	}
	return f.msgID
}

// sendMessage encodes and transmits m, registering confirmables for
// retransmission.
func (f *Facade) sendMessage(m coap.Message, now time.Time) error {
	raw, err := coap.Encode(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := f.ch.Send(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if m.Type == coap.TypeConfirmable {
		f.store.TrackOutbound(m.ID, raw, now)
	}
	f.logMessage(log.DirectionOut, &m)
	return nil
}

// SendHello emits the protocol bootstrap message. Its message id is
// remembered so HelloAcked can flip when its ACK arrives.
func (f *Facade) SendHello(now time.Time) error {
	if f.ch == nil {
		return ErrInvalidState
	}
	if f.ch.SkipHello() {
		f.helloAcked = true
		return nil
	}
	flags := coap.HelloFlagDiagnostics | coap.HelloFlagImmediateUpdates |
		coap.HelloFlagOTAProtocolV3 | coap.HelloFlagGoodbye |
		coap.HelloFlagDeviceInitiatedDescribe | coap.HelloFlagCompressedOTA
	if f.otaSuccessful {
		flags |= coap.HelloFlagOTASuccess
	}
	m := coap.EncodeHello(f.nextID(), coap.Hello{
		ProductID:       f.cfg.ProductID,
		FirmwareVersion: f.cfg.FirmwareVersion,
		Flags:           flags,
		PlatformID:      f.cfg.PlatformID,
		DeviceID:        f.id.DeviceID[:],
	})
	f.helloID = m.ID
	f.helloSent = true
	f.helloAcked = false
	return f.sendMessage(m, now)
}

// Publish begins an event publish transaction and sends its first block.
// The returned publish id has the prefix*10_000_000+counter form.
// completion (may be nil) fires exactly once when the
// transaction resolves.
func (f *Facade) Publish(name string, data []byte, ttl uint32, marker coap.EventMarker, completion publish.CompletionFunc, now time.Time) (uint32, error) {
	if f.ch == nil {
		return 0, ErrInvalidState
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	token := make([]byte, 2)
	binary.BigEndian.PutUint16(token, uint16(f.rng.Intn(1<<16)))

	tx, err := f.pub.Begin(name, data, ttl, marker, token, completion, now)
	if err != nil {
		switch {
		case errors.Is(err, publish.ErrBandwidthExceeded), errors.Is(err, publish.ErrAtCapacity):
			return 0, ErrBandwidthExceeded
		case errors.Is(err, publish.ErrPayloadTooLarge):
			return 0, ErrInsufficientStorage
		default:
			return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	publishID := f.pubIDs.Next()

	m, err := tx.NextMessage(f.nextID())
	if err != nil {
		f.pub.Complete(tx, err)
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := f.sendMessage(m, now); err != nil {
		f.pub.Complete(tx, err)
		return 0, err
	}
	f.diag.Add(diagnostic.KeyCloudPublishCount, 1)
	return publishID, nil
}

// Subscribe registers an event filter. If a session is already up and
// announced, the new subscription is announced to the broker immediately;
// otherwise it rides the next post-Hello announcement.
func (f *Facade) Subscribe(filterPrefix string, scope subscription.Scope, deviceIDFilter []byte, handler subscription.Handler, userData any, now time.Time) error {
	entry, err := f.subs.Subscribe(filterPrefix, scope, deviceIDFilter, handler, userData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if f.ch != nil && f.helloAcked {
		msgs := subscription.AnnounceRequests([]*subscription.Entry{entry}, f.nextID)
		for _, m := range msgs {
			if err := f.sendMessage(m, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// AnnounceSubscriptions re-announces every registered subscription, done
// on each successful handshake.
func (f *Facade) AnnounceSubscriptions(now time.Time) error {
	if f.ch == nil {
		return ErrInvalidState
	}
	for _, m := range subscription.AnnounceRequests(f.subs.Entries(), f.nextID) {
		if err := f.sendMessage(m, now); err != nil {
			return err
		}
	}
	return nil
}

// RequestTime emits a GET /t time-sync request unless one is already
// outstanding.
func (f *Facade) RequestTime(now time.Time) error {
	if f.ch == nil {
		return ErrInvalidState
	}
	if !f.tsync.ShouldRequest() {
		return nil
	}
	f.timeToken = byte(f.rng.Intn(256))
	m := coap.EncodeTimeRequest(f.nextID(), []byte{f.timeToken})
	f.logControl(log.ControlMsgTimeSync, m.ID)
	return f.sendMessage(m, now)
}

// PostDescribe emits a device-initiated describe. Metrics
// describes carry the binary diagnostic block; System/App describes the
// JSON entity schema.
func (f *Facade) PostDescribe(flags coap.DescribeFlags, now time.Time) error {
	if f.ch == nil {
		return ErrInvalidState
	}
	payload := buildDescribePayload(flags, f.entities, f.diag)
	m := coap.EncodeDescribe(f.nextID(), true, payload)
	if flags == coap.DescribeMetrics {
		f.logDiagnostic()
	}
	f.lastHealth = now
	return f.sendMessage(m, now)
}

// SendUpdateFlags publishes the updates/forced and updates/enabled system
// events the broker expects right after Hello.
func (f *Facade) SendUpdateFlags(now time.Time) error {
	boolPayload := func(v bool) []byte {
		if v {
			return []byte("true")
		}
		return []byte("false")
	}
	if _, err := f.Publish(eventUpdatesForced, boolPayload(f.updatesForced), DefaultTTL, coap.EventPrivate, nil, now); err != nil {
		return err
	}
	_, err := f.Publish(eventUpdatesEnabled, boolPayload(f.updatesEnabled), DefaultTTL, coap.EventPrivate, nil, now)
	return err
}

// SendClaimCode emits the provisioning claim token, once per session.
// A no-op when no code is set or it was already sent.
func (f *Facade) SendClaimCode(now time.Time) error {
	if f.claimCode == "" || f.claimCodeSent {
		return nil
	}
	if _, err := f.Publish(eventClaimCode, []byte(f.claimCode), DefaultTTL, coap.EventPrivate, nil, now); err != nil {
		return err
	}
	f.claimCodeSent = true
	return nil
}

// Goodbye sends the non-confirmable leave notice so the broker can drop
// the session promptly instead of waiting out a ping timeout. Safe to
// call on a torn-down facade.
func (f *Facade) Goodbye(now time.Time) error {
	if f.ch == nil {
		return nil
	}
	m := coap.Message{Type: coap.TypeNonConfirmable, Code: coap.CodePOST, ID: f.nextID()}
	m.SetUriPath(coap.PathGoodbye)
	return f.sendMessage(m, now)
}

// Loop runs one cooperative pass: age completion handlers,
// receive and dispatch one datagram, retransmit, ping, health-check. The
// caller invokes it periodically; a non-nil error means the session is
// dead and the supervisor should reconnect.
func (f *Facade) Loop(now time.Time) error {
	if f.inHandler {
		return ErrInvalidState
	}
	var elapsed time.Duration
	if f.ticked {
		elapsed = now.Sub(f.lastTick)
	}
	f.lastTick = now
	f.ticked = true

	f.acks.Tick(now)
	f.store.ExpireInbound(now)
	if f.ch == nil {
		return nil
	}

	frame, err := f.ch.Receive()
	if err != nil {
		f.logError(log.LayerDTLS, "receive failed", err)
		if errors.Is(err, dtls.ErrMigrationFatal) {
			_ = f.ch.Command(dtls.CommandClose)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if frame != nil {
		if err := f.dispatch(frame, now); err != nil {
			return err
		}
	}

	toResend, timedOut := f.store.Tick(now, f.lastAck)
	for _, e := range toResend {
		if err := f.ch.Send(e.Message); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	for _, to := range timedOut {
		f.diag.Add(diagnostic.KeyCloudUnacknowledgedMessages, 1)
		if tx := f.pub.FindByPendingID(to.Entry.ID); tx != nil {
			f.pub.Complete(tx, ErrTimeout)
		}
		f.acks.Fail(to.Entry.ID, ErrTimeout)
		if to.PrecedesLastAck {
			_ = f.ch.Command(dtls.CommandClose)
			return ErrTimeout
		}
	}

	if f.pinger.Tick(elapsed) {
		m := coap.EncodeEmptyPing(f.nextID())
		f.logControl(log.ControlMsgPing, m.ID)
		if err := f.sendMessage(m, now); err != nil {
			return err
		}
	}

	if f.cfg.HealthCheckInterval > 0 && f.helloAcked && now.Sub(f.lastHealth) >= f.cfg.HealthCheckInterval {
		if err := f.PostDescribe(coap.DescribeMetrics, now); err != nil {
			return err
		}
	}
	return nil
}

// dispatch decodes one CoAP frame and routes it. Decode failures drop the
// datagram and continue.
func (f *Facade) dispatch(frame []byte, now time.Time) error {
	m, err := coap.Decode(frame)
	if err != nil {
		f.logError(log.LayerCoAP, "undecodable datagram dropped", err)
		return nil
	}
	f.logMessage(log.DirectionIn, &m)
	f.pinger.OnMessageReceived()

	switch m.Type {
	case coap.TypeAcknowledgement:
		f.handleAck(&m, now)
		return nil
	case coap.TypeReset:
		f.store.HandleReset(m.ID, now)
		f.acks.Fail(m.ID, ErrSessionDiscarded)
		_ = f.ch.Command(dtls.CommandDiscardSession)
		return ErrSessionDiscarded
	default:
		return f.handleRequest(&m, now)
	}
}

// handleAck routes an inbound acknowledgement: retransmission bookkeeping,
// block-publish advancement, time-sync, hello, then the completion
// registry.
func (f *Facade) handleAck(m *coap.Message, now time.Time) {
	if res := f.store.HandleAck(m.ID, now); res.Found {
		f.lastAck = now
	}

	if tx := f.pub.FindByPendingID(m.ID); tx != nil {
		f.advancePublish(tx, m, now)
		return
	}

	if f.helloSent && m.ID == f.helloID && !f.helloAcked {
		f.helloAcked = true
		f.acks.Complete(m.ID)
		return
	}

	if m.Code == coap.CodeContent && len(m.Token) == 1 && m.Token[0] == f.timeToken {
		if unix, err := coap.DecodeTimeResponse(m.Payload); err == nil {
			f.logControl(log.ControlMsgTimeSync, m.ID)
			f.tsync.HandleResponse(unix, now, f.setTime)
			f.acks.Complete(m.ID)
			return
		}
	}

	if m.Code.Class() >= 4 {
		f.acks.Fail(m.ID, fmt.Errorf("%w: response code %s", ErrProtocol, m.Code))
	} else {
		f.acks.Complete(m.ID)
	}
}

// advancePublish applies one ACK to a block-publish transaction:
// 2.31 Continue releases the next block, success on the final block
// completes, anything else tears the transaction down.
func (f *Facade) advancePublish(tx *publish.Transaction, m *coap.Message, now time.Time) {
	switch {
	case m.Code == coap.CodeContinue && !tx.IsLastBlock():
		tx.AdvanceBlock()
		next, err := tx.NextMessage(f.nextID())
		if err != nil {
			f.pub.Complete(tx, err)
			return
		}
		if err := f.sendMessage(next, now); err != nil {
			f.pub.Complete(tx, err)
		}
	case m.Code.Class() == 2 && tx.IsLastBlock():
		f.pub.Complete(tx, nil)
	case m.Code.Class() == 2:
		// A success code other than Continue on a non-final block means
		// the broker gave up on the block sequence.
		f.pub.Complete(tx, ErrProtocol)
	default:
		f.pub.Complete(tx, fmt.Errorf("%w: response code %s", ErrProtocol, m.Code))
	}
}

// handleRequest dispatches an inbound CON/NON request by CoAP code and
// first Uri-Path character.
func (f *Facade) handleRequest(m *coap.Message, now time.Time) error {
	// An empty confirmable is the broker pinging us; answer with an empty
	// ACK and nothing else.
	if m.Code == coap.Code(0) {
		if m.Type == coap.TypeConfirmable {
			f.logControl(log.ControlMsgPong, m.ID)
			return f.sendMessage(coap.Message{Type: coap.TypeAcknowledgement, ID: m.ID}, now)
		}
		return nil
	}

	if m.Type == coap.TypeConfirmable {
		if dup := f.store.CheckInbound(m.ID, now); dup.Duplicate {
			if dup.CachedResponse != nil {
				if err := f.ch.Send(dup.CachedResponse); err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
			}
			return nil
		}
	}

	path := m.UriPath()
	if path == "" {
		return nil
	}

	var resp *coap.Message
	var err error
	switch path[0] {
	case 'h':
		r := coap.Message{Type: coap.TypeAcknowledgement, ID: m.ID}
		resp = &r
	case 'd':
		resp = f.handleDescribeRequest(m)
	case 'f':
		resp = f.handleFunctionCall(m)
	case 'v':
		resp = f.handleVariableRequest(m)
	case 'p':
		resp = f.handlePropertyUpdate(m)
	case 'u':
		resp, err = f.handleUpdate(m, now)
	case 's':
		resp, err = f.handleSavePath(m, now)
	case 'c':
		resp = f.handleChunk(m)
	case 'k':
		resp = f.handleKeyChange(m)
	case 'e', 'E':
		f.handleEvent(m)
		if m.Type == coap.TypeConfirmable {
			r := coap.Message{Type: coap.TypeAcknowledgement, ID: m.ID}
			resp = &r
		}
	default:
		// Unknown path: drop it on the floor, per the decode-error policy.
	}
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	raw, encErr := coap.Encode(*resp)
	if encErr != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, encErr)
	}
	if sendErr := f.ch.Send(raw); sendErr != nil {
		return fmt.Errorf("%w: %v", ErrIO, sendErr)
	}
	f.logMessage(log.DirectionOut, resp)
	if m.Type == coap.TypeConfirmable {
		f.store.RecordResponse(m.ID, raw)
	}
	if f.pendingReboot {
		f.pendingReboot = false
		if f.reboot != nil {
			f.reboot()
		}
	}
	return nil
}

func (f *Facade) handleDescribeRequest(m *coap.Message) *coap.Message {
	flags := coap.DescribeSystem | coap.DescribeApp
	for _, opt := range m.Options {
		if opt.Number == coap.OptionUriQuery && len(opt.Value) == 1 {
			flags = coap.DescribeFlags(opt.Value[0])
		}
	}
	r := coap.Message{
		Type:    coap.TypeAcknowledgement,
		Code:    coap.CodeContent,
		ID:      m.ID,
		Token:   m.Token,
		Payload: buildDescribePayload(flags, f.entities, f.diag),
	}
	return &r
}

func (f *Facade) handleFunctionCall(m *coap.Message) *coap.Message {
	call, err := coap.DecodeFunctionCall(m.Payload)
	if err != nil {
		r := coap.EncodeFunctionErrorAck(m.ID, m.Token, 0)
		return &r
	}
	if len(call.Args) > MaxFunctionArgLength {
		r := coap.EncodeFunctionErrorAck(m.ID, m.Token, 0)
		return &r
	}
	fn := f.entities.lookupFunction(call.Name)
	if fn == nil {
		r := coap.EncodeFunctionErrorAck(m.ID, m.Token, 4)
		return &r
	}

	f.inHandler = true
	result, fnErr := fn.fn(call.Args, fn.userData)
	f.inHandler = false
	if fnErr != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.NewCode(5, 0), ID: m.ID, Token: m.Token}
		return &r
	}
	r := coap.EncodeFunctionResponseAck(m.ID, m.Token, result)
	return &r
}

func (f *Facade) handleVariableRequest(m *coap.Message) *coap.Message {
	var segments []string
	for _, opt := range m.Options {
		if opt.Number == coap.OptionUriPath {
			segments = append(segments, string(opt.Value))
		}
	}
	key := ""
	if len(segments) > 1 {
		key = segments[1]
	}
	// Oversize arguments are rejected with 4.0, never truncated.
	if len(m.Payload) > MaxFunctionArgLength {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r
	}
	v := f.entities.lookupVariable(key)
	if v == nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeNotFound, ID: m.ID, Token: m.Token}
		return &r
	}

	f.inHandler = true
	value, accErr := v.accessor(m.Payload, v.userData)
	f.inHandler = false
	if accErr != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	resp, err := coap.EncodeVariableResponse(m.ID, m.Token, v.kind, value)
	if err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	return &resp
}

func (f *Facade) handlePropertyUpdate(m *coap.Message) *coap.Message {
	upd, err := coap.DecodePropertyUpdate(m.Payload)
	if err != nil || f.property == nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r
	}
	f.inHandler = true
	propErr := f.property(upd.Key, upd.Arg, f.propertyUserData)
	f.inHandler = false
	if propErr != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	r := coap.EncodePropertyAck(m.ID, m.Token)
	return &r
}

// handleUpdate serves the "u" path: UpdateBegin (12-byte descriptor
// payload) or UpdateDone (flags byte).
func (f *Facade) handleUpdate(m *coap.Message, now time.Time) (*coap.Message, error) {
	if len(m.Payload) >= 12 {
		begin, err := coap.DecodeUpdateBegin(m.Payload)
		if err != nil {
			r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
			return &r, nil
		}
		return f.beginUpdate(m, begin, firmware.BeginFlags(0)), nil
	}
	return f.finishUpdate(m, now)
}

func (f *Facade) beginUpdate(m *coap.Message, begin coap.UpdateBegin, flags firmware.BeginFlags) *coap.Message {
	if f.fwStore == nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	if f.updatesForced {
		flags |= firmware.BeginFlagForced
	}
	desc := firmware.Descriptor{
		TotalLength: begin.TotalLength,
		ChunkSize:   begin.ChunkSize,
		ChunkCount:  begin.ChunkCount,
		Address:     begin.Address,
		Compressed:  begin.Flags&coap.UpdateFlagCompressed != 0,
	}
	if err := f.fw.Begin(desc, flags); err != nil {
		f.logStateChange(log.StateEntityFirmware, "", f.fw.State().String(), err.Error())
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	f.logStateChange(log.StateEntityFirmware, firmware.StateIdle.String(), f.fw.State().String(), "update begin")
	r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeChanged, ID: m.ID, Token: m.Token}
	return &r
}

// finishUpdate serves UpdateDone. If chunks are missing, the missing
// indices are requested with GET /c and the done message is refused so
// the broker retries it after resending.
func (f *Facade) finishUpdate(m *coap.Message, now time.Time) (*coap.Message, error) {
	missing := f.fw.MissingIndices()
	if len(missing) > 0 {
		const maxRequestsPerPass = 8
		if len(missing) > maxRequestsPerPass {
			missing = missing[:maxRequestsPerPass]
		}
		for _, idx := range missing {
			if err := f.sendMessage(coap.EncodeMissingChunkRequest(f.nextID(), idx), now); err != nil {
				return nil, err
			}
		}
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r, nil
	}

	flags := firmware.DoneFlags(0)
	if len(m.Payload) >= 1 {
		done, err := coap.DecodeUpdateDone(m.Payload)
		if err == nil {
			flags = firmware.DoneFlags(done)
		}
	}
	if err := f.fw.Done(flags); err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r, nil
	}
	f.logStateChange(log.StateEntityFirmware, firmware.StateReceiving.String(), f.fw.State().String(), "update done")

	r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeChanged, ID: m.ID, Token: m.Token}
	if firmware.ShouldReboot(flags) {
		// The ack must reach the wire before the platform goes down;
		// handleRequest fires the reboot after sending the response.
		f.pendingReboot = true
	}
	return &r, nil
}

// handleSavePath serves the "s" path, which multiplexes SaveBegin and
// signal start/stop on the first payload byte.
func (f *Facade) handleSavePath(m *coap.Message, now time.Time) (*coap.Message, error) {
	kind, on, err := coap.DecodeSignalPath(m.Payload)
	if err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r, nil
	}
	if kind == coap.SignalKindSaveBegin {
		begin, err := coap.DecodeUpdateBegin(m.Payload)
		if err != nil {
			r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
			return &r, nil
		}
		return f.beginUpdate(m, begin, firmware.BeginFlags(0)), nil
	}

	var intensity uint8
	if len(m.Payload) >= 2 {
		intensity = m.Payload[1]
	}
	if f.signal != nil {
		f.inHandler = true
		f.signal(on, intensity)
		f.inHandler = false
	}
	r := coap.EncodeSignalAck(m.ID, m.Token)
	return &r, nil
}

func (f *Facade) handleChunk(m *coap.Message) *coap.Message {
	chunk, err := coap.DecodeChunk(m.Payload)
	if err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r
	}
	if err := f.fw.Chunk(chunk.Index, chunk.Payload); err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeInternalServerError, ID: m.ID, Token: m.Token}
		return &r
	}
	r := coap.EncodeChunkReceived(m.ID, m.Token)
	return &r
}

func (f *Facade) handleKeyChange(m *coap.Message) *coap.Message {
	if err := f.ch.HandleKeyChange(coap.DecodeKeyChange(m.Payload)); err != nil {
		r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeBadRequest, ID: m.ID, Token: m.Token}
		return &r
	}
	// Save the session so its blob records the rotated key's hash; the key
	// itself stays in memory only and is not written by this save.
	_ = f.ch.Command(dtls.CommandSaveSession)
	r := coap.Message{Type: coap.TypeAcknowledgement, Code: coap.CodeChanged, ID: m.ID, Token: m.Token}
	return &r
}

// handleEvent delivers an inbound event to the subscription table. The
// publisher's device id, when the broker attaches one, rides a 12-byte
// Uri-Query option.
func (f *Facade) handleEvent(m *coap.Message) {
	_, name, _, _, err := coap.DecodeEvent(*m)
	if err != nil {
		f.logError(log.LayerCoAP, "undecodable event dropped", err)
		return
	}
	var publisherID []byte
	for _, opt := range m.Options {
		if opt.Number == coap.OptionUriQuery && len(opt.Value) == identity.DeviceIDLen {
			publisherID = opt.Value
		}
	}
	f.inHandler = true
	f.subs.Deliver(name, m.Payload, publisherID)
	f.inHandler = false
}

// RegisterCompletion attaches a completion handler to an outstanding
// message id.
func (f *Facade) RegisterCompletion(messageID uint16, now time.Time, handler ack.Handler) {
	f.acks.Register(messageID, f.ackRegistrationTimeout(), now, handler)
}

func (f *Facade) logMessage(dir log.Direction, m *coap.Message) {
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    dir,
		Layer:        log.LayerCoAP,
		Category:     log.CategoryMessage,
		DeviceID:     f.id.DeviceID.String(),
		Message: &log.MessageEvent{
			ID:         m.ID,
			Type:       uint8(m.Type),
			Code:       uint8(m.Code),
			Path:       m.UriPath(),
			TokenLen:   len(m.Token),
			PayloadLen: len(m.Payload),
		},
	})
}

func (f *Facade) logControl(typ log.ControlMsgType, id uint16) {
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerProtocol,
		Category:     log.CategoryControl,
		DeviceID:     f.id.DeviceID.String(),
		ControlMsg:   &log.ControlMsgEvent{Type: typ, Sequence: id},
	})
}

func (f *Facade) logError(layer log.Layer, context string, err error) {
	msg := context
	if err != nil {
		msg = err.Error()
	}
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Layer:        layer,
		Category:     log.CategoryError,
		DeviceID:     f.id.DeviceID.String(),
		Error:        &log.ErrorEventData{Layer: layer, Message: msg, Context: context},
	})
}

func (f *Facade) logStateChange(entity log.StateEntity, oldState, newState, reason string) {
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Layer:        log.LayerProtocol,
		Category:     log.CategoryState,
		DeviceID:     f.id.DeviceID.String(),
		StateChange:  &log.StateChangeEvent{Entity: entity, OldState: oldState, NewState: newState, Reason: reason},
	})
}

func (f *Facade) logDiagnostic() {
	records := f.diag.Records()
	out := make([]log.DiagnosticRecord, 0, len(records))
	for _, r := range records {
		out = append(out, log.DiagnosticRecord{Key: uint16(r.Key), Value: r.Value})
	}
	f.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerProtocol,
		Category:     log.CategoryDiagnostic,
		DeviceID:     f.id.DeviceID.String(),
		Diagnostic:   &log.DiagnosticEvent{Records: out},
	})
}
