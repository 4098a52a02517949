package domain

import (
	"context"
	"time"
)

// EventType names a domain event emitted by the engine.
type EventType string

const (
	EventNewHighBid        EventType = "new-high-bid"
	EventOutbid            EventType = "outbid"
	EventAuctionEndingSoon EventType = "auction-ending-soon"
	EventAuctionWon        EventType = "auction-won"
	EventDeliveryConfirmed EventType = "delivery-confirmed-pending-inspection"
	EventDisputeOpened     EventType = "dispute-opened"

	EventAuctionCreated   EventType = "auction-created"
	EventAuctionStarted   EventType = "auction-started"
	EventAuctionEnded     EventType = "auction-ended"
	EventAuctionCancelled EventType = "auction-cancelled"
	EventAuctionSettled   EventType = "auction-settled"

	EventTransactionOpened    EventType = "transaction-opened"
	EventEscrowHeld           EventType = "escrow-held"
	EventItemShipped          EventType = "item-shipped"
	EventTransactionCompleted EventType = "transaction-completed"
	EventTransactionRefunded  EventType = "transaction-refunded"
	EventTransactionCancelled EventType = "transaction-cancelled"
	EventDisputeResolved      EventType = "dispute-resolved"
	EventSettlementStuck      EventType = "settlement-stuck"
)

// Event is a fact the engine publishes after a committed change. Recipient is
// the user the event is addressed to, if any.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	AuctionID     string         `json:"auction_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Channel is the realtime topic the event belongs to.
func (e Event) Channel() string {
	if e.TransactionID != "" {
		return "transaction:" + e.TransactionID
	}
	return "auction:" + e.AuctionID
}

// EventPublisher delivers events to downstream collaborators. Publishing is
// best effort: committed state is never rolled back for a failed delivery.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
