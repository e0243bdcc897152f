package purchase

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"fitmarket/internal/types"
)

// Bridge is the outbound half of the native purchase bridge.
type Bridge interface {
	// TriggerPurchase opens the store sheet. It returns false when the
	// request could not even be dispatched; in that case no event will
	// ever be delivered for req.AttemptID.
	TriggerPurchase(ctx context.Context, req DispatchRequest) bool
}

// DispatchRequest is what the controller hands to the native store.
type DispatchRequest struct {
	AttemptID string
	AccountID string
	ProductID string
	Upgrade   *UpgradeInfo
}

// UpgradeInfo is attached when the purchase replaces an existing paid tier.
type UpgradeInfo struct {
	FromTier types.PlanTier
}

// BridgeEvent is the closed set of callbacks the native bridge delivers.
// Exactly one terminal event is expected per attempt, but delivery is never
// guaranteed.
type BridgeEvent interface {
	bridgeEvent()
}

// Succeeded reports that the store charged the user.
type Succeeded struct {
	ProductID     string
	TransactionID string
}

// Failed reports a store-side error.
type Failed struct {
	Reason string
}

// Cancelled reports that the user dismissed the store sheet.
type Cancelled struct{}

// Pending reports a deferred transaction (e.g. parental approval).
type Pending struct{}

func (Succeeded) bridgeEvent() {}
func (Failed) bridgeEvent()    {}
func (Cancelled) bridgeEvent() {}
func (Pending) bridgeEvent()   {}

// terminal reports whether the event closes the attempt's completion slot.
// Pending keeps it open for a later event on the same attempt.
func terminal(ev BridgeEvent) bool {
	_, pending := ev.(Pending)
	return !pending
}

func eventName(ev BridgeEvent) string {
	switch ev.(type) {
	case Succeeded:
		return "success"
	case Failed:
		return "error"
	case Cancelled:
		return "cancel"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// DecodeBridgeEvent parses the JSON payload posted by the native layer:
//
//	{"attempt_id": "...", "kind": "success", "product_id": "...", "transaction_id": "..."}
//	{"attempt_id": "...", "kind": "error", "reason": "..."}
//	{"attempt_id": "...", "kind": "cancel"}
//	{"attempt_id": "...", "kind": "pending"}
//
// Extra metadata is ignored. Unknown kinds and missing required fields are
// rejected rather than guessed at.
func DecodeBridgeEvent(raw []byte) (string, BridgeEvent, error) {
	if !gjson.ValidBytes(raw) {
		return "", nil, types.NewAppError(types.ErrCodeBridgePayloadInvalid, "bridge payload is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return "", nil, types.NewAppError(types.ErrCodeBridgePayloadInvalid, "bridge payload must be an object", nil)
	}

	attemptID := doc.Get("attempt_id").String()
	if attemptID == "" {
		return "", nil, types.NewAppError(types.ErrCodeBridgePayloadInvalid, "bridge payload missing attempt_id", nil)
	}

	kind := doc.Get("kind")
	if kind.Type != gjson.String {
		return "", nil, types.NewAppError(types.ErrCodeBridgePayloadInvalid, "bridge payload missing kind", nil)
	}

	switch kind.Str {
	case "success":
		productID := doc.Get("product_id").String()
		if productID == "" {
			return "", nil, types.NewAppError(types.ErrCodeBridgePayloadInvalid, "success payload missing product_id", nil)
		}
		return attemptID, Succeeded{
			ProductID:     productID,
			TransactionID: doc.Get("transaction_id").String(),
		}, nil
	case "error":
		reason := doc.Get("reason").String()
		if reason == "" {
			reason = "unknown store error"
		}
		return attemptID, Failed{Reason: reason}, nil
	case "cancel":
		return attemptID, Cancelled{}, nil
	case "pending":
		return attemptID, Pending{}, nil
	default:
		return "", nil, types.NewAppError(
			types.ErrCodeBridgePayloadInvalid,
			fmt.Sprintf("unrecognized bridge event kind %q", kind.Str),
			nil,
		)
	}
}

// completionSlot is the single outstanding "pending completion" for a
// purchase attempt. Registering while one is outstanding is an error, and
// each attempt accepts at most one terminal event.
type completionSlot struct {
	mu        sync.Mutex
	attemptID string
	open      bool
}

func (s *completionSlot) register(attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return types.NewAppError(
			types.ErrCodePurchaseSlotBusy,
			fmt.Sprintf("attempt %s is still awaiting a store callback", s.attemptID),
			nil,
		)
	}
	s.attemptID = attemptID
	s.open = true
	return nil
}

// accept reports whether ev may be applied to attemptID, closing the slot
// for terminal events.
func (s *completionSlot) accept(attemptID string, ev BridgeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.attemptID != attemptID {
		return false
	}
	if terminal(ev) {
		s.open = false
	}
	return true
}

// release abandons the outstanding attempt (timeout, dispatch failure,
// resume recovery). Late events for it are dropped.
func (s *completionSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *completionSlot) outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
