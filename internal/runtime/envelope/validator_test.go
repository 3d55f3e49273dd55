package envelope

import (
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ledgerflow/internal/runtime/errors"
)

func TestValidateCustomerCreated(t *testing.T) {
	v := MustNewValidator()

	payload, err := v.Validate(TopicCustomerCreated, []byte(`{"customer_id": 123, "kyc": "kyc-hash", "uri": "ipfs://doc"}`))
	require.NoError(t, err)

	assert.Equal(t, CustomerCreated{CustomerID: "123", KYC: "kyc-hash", IdentificationRef: "ipfs://doc"}, payload)
}

func TestValidateSubscriptionAcceptFoldsSnakeCase(t *testing.T) {
	v := MustNewValidator()

	camel, err := v.Validate(TopicSubscriptionAccept, []byte(`{"customerId":"123","estateId":5,"amount":10,"tokenPrice":100,"date":"2024-03-01"}`))
	require.NoError(t, err)
	snake, err := v.Validate(TopicSubscriptionAccept, []byte(`{"user_id":"123","estate_id":"5","amount":"10","token_price":"100","date":"2024-03-01T00:00:00Z"}`))
	require.NoError(t, err)

	want := SubscriptionAccepted{
		CustomerID: "123",
		EstateID:   "5",
		Amount:     10,
		TokenPrice: "100",
		Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, camel)
	assert.Equal(t, want, snake)
}

func TestValidateAcceptsLocalDateTime(t *testing.T) {
	v := MustNewValidator()

	payload, err := v.Validate(TopicSubscriptionAccept, []byte(`{"customerId":"1","estateId":"5","amount":1,"tokenPrice":1,"date":"2024-03-01T10:00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), payload.(SubscriptionAccepted).Date)

	payload, err = v.Validate(TopicTransactionCreated, []byte(`{"tradeId":1,"estateId":5,"buyerId":"b","sellerId":"s","tokenPrice":1,"tradeTokenAmount":1,"tradeDate":"2024-03-01T10:00:00.250"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 250_000_000, time.UTC), payload.(TradeCreated).TradeDate)
}

func TestValidateTradeCreated(t *testing.T) {
	v := MustNewValidator()

	payload, err := v.Validate(TopicTransactionCreated, []byte(`{
		"trade_id": 9007199254740993,
		"estate_id": 5,
		"buyer_id": "b-1",
		"seller_id": "s-1",
		"token_price": 12.5,
		"trade_token_amount": 4,
		"trade_date": "2024-05-02T10:00:00+02:00"
	}`))
	require.NoError(t, err)

	trade, ok := payload.(TradeCreated)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", trade.TradeID)
	assert.Equal(t, "12.5", trade.TokenPrice)
	assert.Equal(t, int64(4), trade.TradeTokenAmount)
	assert.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC), trade.TradeDate)
	assert.Equal(t, TopicTransactionCreated, trade.Topic())
}

func TestValidateCanonicalKeyWinsOverVariant(t *testing.T) {
	v := MustNewValidator()

	payload, err := v.Validate(TopicCustomerCreated, []byte(`{"customerId":"canonical","customer_id":"variant","kyc":"k"}`))
	require.NoError(t, err)
	assert.Equal(t, "canonical", payload.(CustomerCreated).CustomerID)
}

func TestValidateDecodeErrors(t *testing.T) {
	v := MustNewValidator()

	for name, raw := range map[string]string{
		"empty":     "",
		"truncated": `{"customerId":`,
		"not json":  "hello",
		"array":     `[1,2,3]`,
		"string":    `"customer"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(TopicCustomerCreated, []byte(raw))
			require.Error(t, err)
			assert.Equal(t, errors.KindDecode, errors.KindOf(err))
			assert.True(t, errors.IsTerminal(err))
		})
	}
}

func TestValidateFieldErrors(t *testing.T) {
	v := MustNewValidator()

	tests := []struct {
		name  string
		topic string
		raw   string
		field string
	}{
		{"missing estate", TopicSubscriptionAccept, `{"customerId":"1","amount":10,"tokenPrice":1,"date":"2024-01-01"}`, "estateId"},
		{"null counts as missing", TopicCustomerCreated, `{"customerId":null,"kyc":"k"}`, "customerId"},
		{"blank id", TopicCustomerCreated, `{"customerId":"  ","kyc":"k"}`, "customerId"},
		{"amount wrong shape", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":true,"tokenPrice":1,"date":"2024-01-01"}`, "amount"},
		{"amount zero", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":0,"tokenPrice":1,"date":"2024-01-01"}`, "amount"},
		{"amount fractional", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":1.5,"tokenPrice":1,"date":"2024-01-01"}`, "amount"},
		{"amount overflow", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":"99999999999999999999","tokenPrice":1,"date":"2024-01-01"}`, "amount"},
		{"price zero string", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":1,"tokenPrice":"0","date":"2024-01-01"}`, "tokenPrice"},
		{"bad date", TopicSubscriptionAccept, `{"customerId":"1","estateId":"5","amount":1,"tokenPrice":1,"date":"yesterday"}`, "date"},
		{"missing seller", TopicTransactionCreated, `{"tradeId":1,"estateId":5,"buyerId":"b","tokenPrice":1,"tradeTokenAmount":1,"tradeDate":"2024-01-01"}`, "sellerId"},
		{"unknown topic", "orders.created", `{}`, "topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.topic, []byte(tt.raw))
			require.Error(t, err)

			var typed *errors.Error
			require.True(t, stdErrors.As(err, &typed), "expected typed error, got %v", err)
			assert.Equal(t, errors.KindValidation, typed.Kind)
			assert.Equal(t, tt.field, typed.Field)
			assert.True(t, errors.IsTerminal(err))
		})
	}
}

func TestValidateAcceptsDLQTopic(t *testing.T) {
	v := MustNewValidator()
	_, err := v.Validate(DLQTopic(TopicCustomerCreated), []byte(`{"customerId":"1","kyc":"k"}`))
	assert.NoError(t, err)
}

func TestSubjectID(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want string
	}{
		"customer first":  {`{"buyerId":"b","customer_id":"c"}`, "c"},
		"buyer next":      {`{"sellerId":"s","buyer_id":7}`, "7"},
		"seller last":     {`{"seller_id":"s"}`, "s"},
		"none":            {`{"estateId":5}`, "unknown"},
		"malformed bytes": {`{{`, "unknown"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectID([]byte(tt.raw)))
		})
	}
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "customer.created.dlq", DLQTopic(TopicCustomerCreated))
	assert.Equal(t, "customer.created.dlq", DLQTopic("customer.created.dlq"))
	assert.True(t, IsDLQTopic("transaction.created.dlq"))
	assert.Equal(t, TopicTransactionCreated, BaseTopic("transaction.created.dlq"))
	assert.Equal(t, "subscription", Category(TopicSubscriptionAccept))
	assert.Equal(t, "transaction", Category(DLQTopic(TopicTransactionCreated)))
	assert.Equal(t, "account", Category(TopicCustomerCreated))
	assert.Equal(t, "unknown", Category("misc"))
}
