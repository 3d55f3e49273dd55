package metadata

import "strconv"

// Header keys written by the dead-letter path. Kafka carries them as record
// headers; gochannel keeps them on the message.
const (
	KeyRetryCount    = "ledgerflow_retry_count"
	KeyOriginalTopic = "ledgerflow_original_topic"
	KeyErrorKind     = "ledgerflow_error_kind"
	KeyPartitionKey  = "ledgerflow_partition_key"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// RetryCount reads the retry counter. Missing or malformed values count as 0.
func (m Metadata) RetryCount() int {
	raw, ok := m[KeyRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRetryCount returns a clone carrying the given retry counter.
func (m Metadata) WithRetryCount(n int) Metadata {
	return m.With(KeyRetryCount, strconv.Itoa(n))
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
