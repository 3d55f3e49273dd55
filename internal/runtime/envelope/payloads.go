package envelope

import "time"

// Payload is the canonical, validated body of an event. Workflows only ever
// see these shapes, never raw wire field names.
type Payload interface {
	Topic() string
}

// CustomerCreated asks for a wallet to be provisioned for a new customer.
type CustomerCreated struct {
	CustomerID        string `json:"customerId"`
	KYC               string `json:"kyc"`
	IdentificationRef string `json:"identificationRef,omitempty"`
}

func (CustomerCreated) Topic() string { return TopicCustomerCreated }

// SubscriptionAccepted asks for coins to be issued to a subscriber.
type SubscriptionAccepted struct {
	CustomerID string    `json:"customerId"`
	EstateID   string    `json:"estateId"`
	Amount     int64     `json:"amount"`
	TokenPrice string    `json:"tokenPrice"`
	Date       time.Time `json:"date"`
}

func (SubscriptionAccepted) Topic() string { return TopicSubscriptionAccept }

// TradeCreated asks for tokens to move from seller to buyer.
type TradeCreated struct {
	TradeID          string    `json:"tradeId"`
	EstateID         string    `json:"estateId"`
	BuyerID          string    `json:"buyerId"`
	SellerID         string    `json:"sellerId"`
	TokenPrice       string    `json:"tokenPrice"`
	TradeTokenAmount int64     `json:"tradeTokenAmount"`
	TradeDate        time.Time `json:"tradeDate"`
}

func (TradeCreated) Topic() string { return TopicTransactionCreated }

// Envelope is the transient view of one delivered message.
type Envelope struct {
	Topic      string
	Partition  int32
	MessageID  string
	Raw        []byte
	RetryCount int
	Payload    Payload
}
