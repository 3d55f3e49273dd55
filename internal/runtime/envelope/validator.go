package envelope

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
)

type fieldKind int

// localDateTime is a date-time without a zone offset, read as UTC.
const localDateTime = "2006-01-02T15:04:05"

const (
	kindString fieldKind = iota
	kindID
	kindInteger
	kindDecimal
	kindDate
)

func (k fieldKind) schema() map[string]any {
	switch k {
	case kindID:
		return map[string]any{"type": []string{"string", "integer"}, "pattern": `\S`}
	case kindInteger:
		return map[string]any{"type": []string{"string", "integer"}, "pattern": `^[1-9][0-9]*$`, "exclusiveMinimum": 0}
	case kindDecimal:
		return map[string]any{"type": []string{"string", "number"}, "pattern": `^(0|[1-9][0-9]*)(\.[0-9]+)?$`, "exclusiveMinimum": 0}
	case kindDate:
		return map[string]any{"type": "string", "anyOf": []any{
			map[string]any{"format": "date"},
			map[string]any{"format": "date-time"},
			map[string]any{"pattern": `^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]+)?$`},
		}}
	default:
		return map[string]any{"type": "string", "pattern": `\S`}
	}
}

type field struct {
	name     string
	kind     fieldKind
	required bool
}

type topicDef struct {
	fields []field
	build  func(doc map[string]any) (Payload, error)
}

// aliases maps wire names that do not follow plain snake_case folding.
var aliases = map[string]string{
	"userId":      "customerId",
	"uri":         "identificationRef",
	"price":       "tokenPrice",
	"tokenAmount": "tradeTokenAmount",
}

var topicDefs = map[string]topicDef{
	TopicCustomerCreated: {
		fields: []field{
			{"customerId", kindID, true},
			{"kyc", kindString, true},
			{"identificationRef", kindString, false},
		},
		build: func(doc map[string]any) (Payload, error) {
			return CustomerCreated{
				CustomerID:        idValue(doc["customerId"]),
				KYC:               strings.TrimSpace(stringValue(doc["kyc"])),
				IdentificationRef: strings.TrimSpace(stringValue(doc["identificationRef"])),
			}, nil
		},
	},
	TopicSubscriptionAccept: {
		fields: []field{
			{"customerId", kindID, true},
			{"estateId", kindID, true},
			{"amount", kindInteger, true},
			{"tokenPrice", kindDecimal, true},
			{"date", kindDate, true},
		},
		build: func(doc map[string]any) (Payload, error) {
			amount, err := integerValue("amount", doc["amount"])
			if err != nil {
				return nil, err
			}
			price, err := decimalValue("tokenPrice", doc["tokenPrice"])
			if err != nil {
				return nil, err
			}
			date, err := dateValue("date", doc["date"])
			if err != nil {
				return nil, err
			}
			return SubscriptionAccepted{
				CustomerID: idValue(doc["customerId"]),
				EstateID:   idValue(doc["estateId"]),
				Amount:     amount,
				TokenPrice: price,
				Date:       date,
			}, nil
		},
	},
	TopicTransactionCreated: {
		fields: []field{
			{"tradeId", kindID, true},
			{"estateId", kindID, true},
			{"buyerId", kindID, true},
			{"sellerId", kindID, true},
			{"tokenPrice", kindDecimal, true},
			{"tradeTokenAmount", kindInteger, true},
			{"tradeDate", kindDate, true},
		},
		build: func(doc map[string]any) (Payload, error) {
			amount, err := integerValue("tradeTokenAmount", doc["tradeTokenAmount"])
			if err != nil {
				return nil, err
			}
			price, err := decimalValue("tokenPrice", doc["tokenPrice"])
			if err != nil {
				return nil, err
			}
			date, err := dateValue("tradeDate", doc["tradeDate"])
			if err != nil {
				return nil, err
			}
			return TradeCreated{
				TradeID:          idValue(doc["tradeId"]),
				EstateID:         idValue(doc["estateId"]),
				BuyerID:          idValue(doc["buyerId"]),
				SellerID:         idValue(doc["sellerId"]),
				TokenPrice:       price,
				TradeTokenAmount: amount,
				TradeDate:        date,
			}, nil
		},
	},
}

type compiledTopic struct {
	def    topicDef
	schema *jsonschema.Schema
}

// Validator decodes raw event bytes into canonical payloads. It is immutable
// after construction and safe for concurrent use.
type Validator struct {
	topics map[string]compiledTopic
}

// NewValidator compiles one JSON Schema per known topic.
func NewValidator() (*Validator, error) {
	v := &Validator{topics: make(map[string]compiledTopic, len(topicDefs))}
	for topic, def := range topicDefs {
		schema, err := compileSchema(topic, def)
		if err != nil {
			return nil, err
		}
		v.topics[topic] = compiledTopic{def: def, schema: schema}
	}
	return v, nil
}

// MustNewValidator panics if the built-in schemas fail to compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func compileSchema(topic string, def topicDef) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(def.fields))
	required := make([]string, 0, len(def.fields))
	for _, f := range def.fields {
		props[f.name] = f.kind.schema()
		if f.required {
			required = append(required, f.name)
		}
	}
	doc, err := jsoncodec.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", topic, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	schemaURL := fmt.Sprintf("https://ledgerflow.schemas.local/%s.schema.json", topic)
	if err := c.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%s schema load failed: %w", topic, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("%s schema compile failed: %w", topic, err)
	}
	return compiled, nil
}

// Validate decodes raw, folds field aliases and checks the topic schema.
// Decode failures carry errors.KindDecode and schema failures carry
// errors.KindValidation with the canonical field name.
func (v *Validator) Validate(topic string, raw []byte) (Payload, error) {
	compiled, ok := v.topics[BaseTopic(topic)]
	if !ok {
		return nil, errors.Validation("topic", "unsupported topic %q", topic)
	}

	doc, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	for _, f := range compiled.def.fields {
		if _, present := doc[f.name]; f.required && !present {
			return nil, errors.Validation(f.name, "is required")
		}
	}

	if err := compiled.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}
	return compiled.def.build(doc)
}

// SubjectID extracts the best-effort subject of a raw payload: customerId,
// then buyerId, then sellerId, else "unknown".
func SubjectID(raw []byte) string {
	doc, err := decodeObject(raw)
	if err != nil {
		return "unknown"
	}
	for _, key := range []string{"customerId", "buyerId", "sellerId"} {
		if id := idValue(doc[key]); id != "" {
			return id
		}
	}
	return "unknown"
}

func decodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.Decode(stdErrors.New("empty message body"))
	}
	var decoded any
	if err := jsoncodec.UnmarshalNumbers(raw, &decoded); err != nil {
		return nil, errors.Decode(fmt.Errorf("invalid JSON: %w", err))
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.Decode(fmt.Errorf("expected JSON object, got %T", decoded))
	}
	return fold(obj), nil
}

// fold rewrites snake_case and aliased keys into canonical camelCase. A
// canonical key already present wins over its variants. Null values are
// dropped so they count as missing.
func fold(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		if value == nil {
			continue
		}
		canonical := canonicalKey(key)
		if canonical != key {
			if _, exists := doc[canonical]; exists {
				continue
			}
		}
		if _, exists := out[canonical]; exists && canonical != key {
			continue
		}
		out[canonical] = value
	}
	return out
}

func canonicalKey(key string) string {
	camel := camelCase(key)
	if alias, ok := aliases[camel]; ok {
		return alias
	}
	return camel
}

func camelCase(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	var b strings.Builder
	upper := false
	for i, r := range key {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		if i == 0 {
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !stdErrors.As(err, &ve) {
		return errors.Validation("payload", "%v", err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	name := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		name = "payload"
	}
	return errors.Validation(name, "%s", leaf.Message)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func idValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func integerValue(name string, v any) (int64, error) {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case json.Number:
		text = t.String()
	default:
		return 0, errors.Validation(name, "must be a positive integer")
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok || !r.IsInt() || r.Sign() <= 0 || !r.Num().IsInt64() {
		return 0, errors.Validation(name, "must be a positive integer, got %q", text)
	}
	return r.Num().Int64(), nil
}

func decimalValue(name string, v any) (string, error) {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case json.Number:
		text = t.String()
	default:
		return "", errors.Validation(name, "must be a positive number")
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok || r.Sign() <= 0 {
		return "", errors.Validation(name, "must be a positive number, got %q", text)
	}
	return text, nil
}

func dateValue(name string, v any) (time.Time, error) {
	text := stringValue(v)
	if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(localDateTime, text); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.DateOnly, text); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.Validation(name, "invalid date %q", text)
}
