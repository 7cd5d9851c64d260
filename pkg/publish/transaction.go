package publish

import (
	"errors"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/coap"
)

// BlockSize is the fixed block size for event block-wise transfer
// (SZX=6, the largest Block1 size RFC 7959 allows).
const BlockSize = 1024

// MaxBlocks bounds a single publish transaction to at most 5 blocks.
const MaxBlocks = 5

// MaxConcurrentMessages bounds simultaneously running transactions,
// chosen to match the event-loop's modest per-tick I/O budget on a
// constrained device.
const MaxConcurrentMessages = 4

// ErrPayloadTooLarge is returned when a payload needs more than MaxBlocks
// blocks to transmit.
var ErrPayloadTooLarge = errors.New("publish: payload exceeds maximum block count")

// ErrAtCapacity is returned by Publisher.Begin when MaxConcurrentMessages
// transactions are already running.
var ErrAtCapacity = errors.New("publish: max concurrent publish transactions reached")

// CompletionFunc is invoked exactly once per transaction: with err == nil
// on success (final block acknowledged), or a non-nil err on any failure.
type CompletionFunc func(err error)

// Transaction owns one outbound event publish, possibly spanning several
// CoAP Block1 messages.
type Transaction struct {
	Name       string
	Token      []byte
	TTL        uint32
	Marker     coap.EventMarker
	Completion CompletionFunc

	payload    []byte
	blockIdx   int
	numBlocks  int
	pendingID  uint16
	done       bool
}

func blockCount(payloadLen int) int {
	if payloadLen == 0 {
		return 1
	}
	return (payloadLen + BlockSize - 1) / BlockSize
}

func (tx *Transaction) blockSlice(idx int) []byte {
	start := idx * BlockSize
	end := start + BlockSize
	if end > len(tx.payload) {
		end = len(tx.payload)
	}
	return tx.payload[start:end]
}

// needsBlockwise reports whether the transaction requires Block1 framing at
// all (payloads at or under one block are sent as a single message with no
// Block1 option).
func (tx *Transaction) needsBlockwise() bool {
	return len(tx.payload) > BlockSize
}

// NextMessage builds the CoAP message for the transaction's current block.
func (tx *Transaction) NextMessage(id uint16) (coap.Message, error) {
	tx.pendingID = id
	block := tx.blockSlice(tx.blockIdx)

	if !tx.needsBlockwise() {
		return coap.EncodeEventBlock(id, tx.Token, tx.Marker, tx.Name, tx.TTL, nil, block)
	}

	b1 := coap.Block1{
		Num:  uint32(tx.blockIdx),
		More: tx.blockIdx < tx.numBlocks-1,
		Size: BlockSize,
	}
	return coap.EncodeEventBlock(id, tx.Token, tx.Marker, tx.Name, tx.TTL, &b1, block)
}

// PendingID returns the CoAP message id of the block currently awaiting
// acknowledgement.
func (tx *Transaction) PendingID() uint16 {
	return tx.pendingID
}

// IsLastBlock reports whether the current block is the transaction's final
// one.
func (tx *Transaction) IsLastBlock() bool {
	return tx.blockIdx == tx.numBlocks-1
}

// AdvanceBlock moves to the next block after a 2.31 Continue for the
// current one. Calling it on the last block is a no-op; the caller should
// check IsLastBlock first.
func (tx *Transaction) AdvanceBlock() {
	if tx.blockIdx < tx.numBlocks-1 {
		tx.blockIdx++
	}
}

// Publisher runs up to MaxConcurrentMessages concurrent Transactions and
// applies the event-rate limiter to every new transaction's block 0.
type Publisher struct {
	limiter *RateLimiter
	active  []*Transaction
}

// NewPublisher creates an empty publisher.
func NewPublisher(limiter *RateLimiter) *Publisher {
	return &Publisher{limiter: limiter}
}

// Begin admits a new publish transaction: it consults the rate limiter
// ("check applies only to block 0"), refuses if at capacity,
// and splits payload into blocks.
func (p *Publisher) Begin(name string, payload []byte, ttl uint32, marker coap.EventMarker, token []byte, completion CompletionFunc, now time.Time) (*Transaction, error) {
	n := blockCount(len(payload))
	if n > MaxBlocks {
		return nil, ErrPayloadTooLarge
	}
	if err := p.limiter.Allow(name, now); err != nil {
		return nil, err
	}
	if len(p.active) >= MaxConcurrentMessages {
		return nil, ErrAtCapacity
	}

	tx := &Transaction{
		Name:       name,
		Token:      token,
		TTL:        ttl,
		Marker:     marker,
		Completion: completion,
		payload:    payload,
		numBlocks:  n,
	}
	p.active = append(p.active, tx)
	return tx, nil
}

// Complete removes tx from the active set and invokes its completion
// callback, if any, exactly once.
func (p *Publisher) Complete(tx *Transaction, err error) {
	if tx.done {
		return
	}
	tx.done = true
	for i, t := range p.active {
		if t == tx {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
	if tx.Completion != nil {
		tx.Completion(err)
	}
}

// Active returns the number of in-flight transactions.
func (p *Publisher) Active() int {
	return len(p.active)
}

// FindByPendingID returns the transaction whose current block was sent with
// the given CoAP message id, or nil. The owning loop uses this to route an
// inbound ACK (2.31 Continue, success, or error) back to its transaction.
func (p *Publisher) FindByPendingID(id uint16) *Transaction {
	for _, tx := range p.active {
		if tx.pendingID == id {
			return tx
		}
	}
	return nil
}

// CancelAll tears down every in-flight transaction, invoking each
// completion callback with err, used on disconnect.
func (p *Publisher) CancelAll(err error) {
	active := append([]*Transaction(nil), p.active...)
	for _, tx := range active {
		p.Complete(tx, err)
	}
}
