package server

import (
	"sync"

	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
)

// ReplyStack records "who last asked me" per sender id, so a bare reply
// produced by the child CLI can be routed back to its origin.
//
// Two callers use it in different modes: synchronous reply routing reads a
// known sender with Get (non-destructive), while catch-all dispatch takes the
// most recently inserted target across all senders with Pop("").
type ReplyStack struct {
	logger  *zap.Logger
	mu      sync.Mutex
	targets map[string]types.SenderInfo
	order   []string // insertion order of sender ids; last element is newest
}

// NewReplyStack creates an empty reply stack.
func NewReplyStack(logger *zap.Logger) *ReplyStack {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplyStack{
		logger:  logger,
		targets: make(map[string]types.SenderInfo),
	}
}

// Set records the reply target for a sender, overwriting any previous one
// and refreshing its recency.
func (r *ReplyStack) Set(senderID string, target types.SenderInfo) {
	if senderID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[senderID]; exists {
		r.removeFromOrderLocked(senderID)
	}
	r.targets[senderID] = target
	r.order = append(r.order, senderID)

	r.logger.Debug("reply target set",
		zap.String("sender_id", senderID),
		zap.String("endpoint", target.SenderEndpoint))
}

// Get returns the target for a sender without removing it.
func (r *ReplyStack) Get(senderID string) (types.SenderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.targets[senderID]
	return target, ok
}

// Pop removes and returns a target. With a sender id, that sender's target;
// with an empty id, the most recently inserted target across all senders.
func (r *ReplyStack) Pop(senderID string) (types.SenderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if senderID == "" {
		if len(r.order) == 0 {
			return types.SenderInfo{}, false
		}
		senderID = r.order[len(r.order)-1]
	}

	target, ok := r.targets[senderID]
	if !ok {
		return types.SenderInfo{}, false
	}

	delete(r.targets, senderID)
	r.removeFromOrderLocked(senderID)

	r.logger.Debug("reply target popped", zap.String("sender_id", senderID))
	return target, true
}

// ListSenders returns the sender ids with a pending reply target, oldest
// first.
func (r *ReplyStack) ListSenders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	senders := make([]string, len(r.order))
	copy(senders, r.order)
	return senders
}

// PeekLast returns the most recently inserted target without removing it.
func (r *ReplyStack) PeekLast() (types.SenderInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return types.SenderInfo{}, false
	}
	return r.targets[r.order[len(r.order)-1]], true
}

// Clear drops every recorded target.
func (r *ReplyStack) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets = make(map[string]types.SenderInfo)
	r.order = nil
}

// removeFromOrderLocked drops one sender id from the order slice. Caller
// must hold r.mu.
func (r *ReplyStack) removeFromOrderLocked(senderID string) {
	for i, id := range r.order {
		if id == senderID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
