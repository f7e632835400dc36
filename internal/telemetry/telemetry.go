// Package telemetry contains the core domain types shared across every
// telemetry ingestion package. It deliberately has zero imports of other
// internal packages so the store, transport, and channel layers can all
// import from it without creating a cycle.
package telemetry

// Device is an immutable snapshot of device/runtime properties attached to
// logs that did not carry their own. Once built it is shared by reference
// across every log enqueued before the next invalidation.
type Device struct {
	OSName     string `json:"os_name"`
	OSVersion  string `json:"os_version"`
	Model      string `json:"model"`
	SDKName    string `json:"sdk_name"`
	SDKVersion string `json:"sdk_version"`
	Locale     string `json:"locale"`
}

// Log is the canonical unit of data flowing through the channel.
//
// Payload is an opaque value owned by the producer; the channel never
// inspects it. The store and the HTTP transport encode the whole Log,
// payload included, with encoding/json. Group, InstallID and TimestampMs
// are populated by the channel if left unset at enqueue time.
type Log struct {
	ID          string            `json:"id"`
	Group       string            `json:"group"`
	Type        string            `json:"type"`
	Payload     any               `json:"payload"`
	InstallID   string            `json:"install_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Device      *Device           `json:"device,omitempty"`
	TimestampMs int64             `json:"timestamp_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the log. Global and group listeners are
// given the original pointer in every callback (global listeners may
// mutate it in place); Clone is for callers that need a value that does
// not share the pointer.
func (l *Log) Clone() *Log {
	c := *l
	return &c
}

// Serializer turns a log's Payload into wire bytes. No component in this
// module accepts a Serializer: the store and the HTTP transport always
// encode logs with encoding/json.
type Serializer interface {
	Serialize(payload any) ([]byte, error)
}

// GroupListener receives callbacks for logs enqueued under one group.
type GroupListener interface {
	OnBeforeSending(log *Log)
	OnSuccess(log *Log)
	OnFailure(log *Log, err error)
}

// Listener receives a callback for every log enqueued under any group,
// before it is persisted. Implementations may mutate the log in place but
// MUST NOT re-enter any Channel method — they run under the channel lock.
type Listener interface {
	OnEnqueuingLog(log *Log, group string)
}
