package wire

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the outer wire structure of every IOTSCP message.
//
// CBOR encoding:
//
//	{
//	  1: version,  // uint8
//	  2: type,     // uint8 MessageType
//	  3: payload   // raw CBOR encoding of the typed message
//	}
//
// Payload stays raw so that fields added by newer peers survive a decode;
// checksums and tokens are computed over envelope bytes, never over a
// re-encoding of the typed struct.
type Envelope struct {
	Version uint8           `cbor:"1,keyasint"`
	Type    MessageType     `cbor:"2,keyasint"`
	Payload cbor.RawMessage `cbor:"3,keyasint"`
}

// Message is implemented by every typed IOTSCP message.
type Message interface {
	MessageType() MessageType
}

// SearchRequest is a discovery request sent to the multicast group.
//
// CBOR encoding:
//
//	{
//	  1: target,  // string: device type URN, or "*" for all
//	  2: filter   // optional capability filter
//	}
type SearchRequest struct {
	Target string  `cbor:"1,keyasint"`
	Filter *Filter `cbor:"2,keyasint,omitempty"`
}

// SearchTargetAll matches every device regardless of type.
const SearchTargetAll = "*"

// MessageType implements Message.
func (*SearchRequest) MessageType() MessageType { return TypeSearch }

// Validate checks if the request is well formed.
func (r *SearchRequest) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("search target must not be empty")
	}
	return nil
}

// Matches reports whether the request's target selects the given device
// type URN.
func (r *SearchRequest) Matches(deviceType string) bool {
	return r.Target == SearchTargetAll || r.Target == deviceType
}

// Filter is an optional capability predicate on a search request.
// Every listed action and variable must be present in the responder's
// capability set; an empty filter matches everything.
type Filter struct {
	Actions   []string `cbor:"1,keyasint,omitempty"`
	Variables []string `cbor:"2,keyasint,omitempty"`
}

// Matches reports whether caps satisfies every requirement of the filter.
func (f *Filter) Matches(caps CapabilitySummary) bool {
	if f == nil {
		return true
	}
	for _, want := range f.Actions {
		if !containsString(caps.Actions, want) {
			return false
		}
	}
	for _, want := range f.Variables {
		if !containsString(caps.Variables, want) {
			return false
		}
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// CapabilitySummary advertises what a device can do: the names of its
// invocable actions and observable state variables, sorted.
type CapabilitySummary struct {
	Actions   []string `cbor:"1,keyasint,omitempty"`
	Variables []string `cbor:"2,keyasint,omitempty"`
}

// SearchResponse is the unicast reply to a matching search request.
//
// CBOR encoding:
//
//	{
//	  1: deviceId,     // string: certificate fingerprint
//	  2: deviceType,   // string: device type URN
//	  3: controlUrl,   // string: where to reach the control surface
//	  4: capabilities  // CapabilitySummary
//	}
type SearchResponse struct {
	DeviceID     string            `cbor:"1,keyasint"`
	DeviceType   string            `cbor:"2,keyasint"`
	ControlURL   string            `cbor:"3,keyasint"`
	Capabilities CapabilitySummary `cbor:"4,keyasint"`
}

// MessageType implements Message.
func (*SearchResponse) MessageType() MessageType { return TypeSearchReply }

// Validate checks if the response is well formed.
func (r *SearchResponse) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("device id must not be empty")
	}
	if r.ControlURL == "" {
		return fmt.Errorf("control url must not be empty")
	}
	return nil
}

// HelloRequest opens a session: the host announces which key offset it
// used, the exchange nonce, and the cipher modes it supports.
type HelloRequest struct {
	HostID string       `cbor:"1,keyasint"`
	Offset uint32       `cbor:"2,keyasint"`
	Nonce  []byte       `cbor:"3,keyasint"`
	Modes  []CipherMode `cbor:"4,keyasint"`
}

// MessageType implements Message.
func (*HelloRequest) MessageType() MessageType { return TypeHello }

// Validate checks if the request is well formed.
func (r *HelloRequest) Validate() error {
	if r.HostID == "" {
		return fmt.Errorf("host id must not be empty")
	}
	if len(r.Nonce) == 0 {
		return fmt.Errorf("nonce must not be empty")
	}
	if len(r.Modes) == 0 {
		return fmt.Errorf("at least one cipher mode is required")
	}
	for _, m := range r.Modes {
		if !m.IsValid() {
			return fmt.Errorf("invalid cipher mode: %d", m)
		}
	}
	return nil
}

// HelloResponse completes session establishment with the negotiated mode
// and the session identifier both sides use from now on.
type HelloResponse struct {
	DeviceID  string     `cbor:"1,keyasint"`
	SessionID string     `cbor:"2,keyasint"`
	Mode      CipherMode `cbor:"3,keyasint"`
}

// MessageType implements Message.
func (*HelloResponse) MessageType() MessageType { return TypeHelloReply }

// Validate checks if the response is well formed.
func (r *HelloResponse) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if !r.Mode.IsValid() {
		return fmt.Errorf("invalid cipher mode: %d", r.Mode)
	}
	return nil
}

// Argument is one named value in an ordered argument list.
type Argument struct {
	Name  string `cbor:"1,keyasint"`
	Value any    `cbor:"2,keyasint,omitempty"`
}

// Arguments is an ordered list of named values.
type Arguments []Argument

// Get returns the value of the named argument.
func (a Arguments) Get(name string) (any, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// Names returns the argument names in list order.
func (a Arguments) Names() []string {
	names := make([]string, len(a))
	for i, arg := range a {
		names[i] = arg.Name
	}
	return names
}

// Map returns the arguments as a name-to-value map.
func (a Arguments) Map() map[string]any {
	if a == nil {
		return nil
	}
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Name] = arg.Value
	}
	return m
}

// NewArguments builds an argument list from a map, ordered by name so
// the encoding is deterministic.
func NewArguments(m map[string]any) Arguments {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make(Arguments, len(names))
	for i, name := range names {
		args[i] = Argument{Name: name, Value: m[name]}
	}
	return args
}

// ControlRequest invokes a named action with an ordered argument list.
//
// CBOR encoding:
//
//	{
//	  1: requestId,  // uint32, nonzero; correlates the response
//	  2: action,     // string
//	  3: args        // ordered list of {name, value}
//	}
type ControlRequest struct {
	RequestID uint32    `cbor:"1,keyasint"`
	Action    string    `cbor:"2,keyasint"`
	Args      Arguments `cbor:"3,keyasint,omitempty"`
}

// MessageType implements Message.
func (*ControlRequest) MessageType() MessageType { return TypeControl }

// Validate checks if the request is well formed.
func (r *ControlRequest) Validate() error {
	if r.RequestID == 0 {
		return fmt.Errorf("request id must not be zero")
	}
	if r.Action == "" {
		return fmt.Errorf("action name must not be empty")
	}
	return nil
}

// ControlResponse carries the result values of a successful invocation,
// or a fault code with a description.
type ControlResponse struct {
	RequestID uint32    `cbor:"1,keyasint"`
	Status    Status    `cbor:"2,keyasint"`
	Results   Arguments `cbor:"3,keyasint,omitempty"`
	Detail    string    `cbor:"4,keyasint,omitempty"`
}

// MessageType implements Message.
func (*ControlResponse) MessageType() MessageType { return TypeControlReply }

// IsSuccess returns true if the response indicates success.
func (r *ControlResponse) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// Fault returns the fault view of the response, or nil on success.
func (r *ControlResponse) Fault() *Fault {
	if r.Status.IsSuccess() {
		return nil
	}
	return &Fault{Code: r.Status, Description: r.Detail}
}

// NewControlFault builds a fault response for a control request.
func NewControlFault(requestID uint32, code Status, detail string) *ControlResponse {
	return &ControlResponse{RequestID: requestID, Status: code, Detail: detail}
}

// EventRequest manages a subscription. The fields an operation requires
// depend on the operation: Subscribe needs Variables, TTLSeconds and
// EventURL; Renew needs SubscriptionID and TTLSeconds; Unsubscribe needs
// SubscriptionID.
type EventRequest struct {
	RequestID      uint32   `cbor:"1,keyasint"`
	Op             EventOp  `cbor:"2,keyasint"`
	SubscriptionID string   `cbor:"3,keyasint,omitempty"`
	Variables      []string `cbor:"4,keyasint,omitempty"`
	TTLSeconds     uint32   `cbor:"5,keyasint,omitempty"`
	EventURL       string   `cbor:"6,keyasint,omitempty"`
}

// MessageType implements Message.
func (*EventRequest) MessageType() MessageType { return TypeEvent }

// Validate checks if the request is well formed for its operation.
func (r *EventRequest) Validate() error {
	if r.RequestID == 0 {
		return fmt.Errorf("request id must not be zero")
	}
	if !r.Op.IsValid() {
		return fmt.Errorf("invalid event operation: %d", r.Op)
	}
	switch r.Op {
	case OpSubscribe:
		if len(r.Variables) == 0 {
			return fmt.Errorf("subscribe requires at least one variable")
		}
		if r.EventURL == "" {
			return fmt.Errorf("subscribe requires an event url")
		}
	case OpRenew, OpUnsubscribe:
		if r.SubscriptionID == "" {
			return fmt.Errorf("%s requires a subscription id", r.Op)
		}
	}
	return nil
}

// EventResponse answers an event request.
type EventResponse struct {
	RequestID      uint32 `cbor:"1,keyasint"`
	Status         Status `cbor:"2,keyasint"`
	SubscriptionID string `cbor:"3,keyasint,omitempty"`
	TTLSeconds     uint32 `cbor:"4,keyasint,omitempty"`
	Detail         string `cbor:"5,keyasint,omitempty"`
}

// MessageType implements Message.
func (*EventResponse) MessageType() MessageType { return TypeEventReply }

// IsSuccess returns true if the response indicates success.
func (r *EventResponse) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// Fault returns the fault view of the response, or nil on success.
func (r *EventResponse) Fault() *Fault {
	if r.Status.IsSuccess() {
		return nil
	}
	return &Fault{Code: r.Status, Description: r.Detail}
}

// NewEventFault builds a fault response for an event request.
func NewEventFault(requestID uint32, code Status, detail string) *EventResponse {
	return &EventResponse{RequestID: requestID, Status: code, Detail: detail}
}

// Change is one changed variable in a notification.
type Change struct {
	Name  string `cbor:"1,keyasint"`
	Value any    `cbor:"2,keyasint,omitempty"`
}

// Changes is a list of variable changes, ordered by name.
type Changes []Change

// Map returns the changes as a name-to-value map.
func (c Changes) Map() map[string]any {
	if c == nil {
		return nil
	}
	m := make(map[string]any, len(c))
	for _, ch := range c {
		m[ch.Name] = ch.Value
	}
	return m
}

// NewChanges builds a change list from a map, ordered by name so the
// encoding is deterministic.
func NewChanges(m map[string]any) Changes {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	changes := make(Changes, len(names))
	for i, name := range names {
		changes[i] = Change{Name: name, Value: m[name]}
	}
	return changes
}

// EventNotification is a device-initiated push delivering changed
// variable values for one subscription. Sequence numbers are strictly
// increasing per subscription so a host can detect drops.
type EventNotification struct {
	SubscriptionID string  `cbor:"1,keyasint"`
	Sequence       uint64  `cbor:"2,keyasint"`
	Changes        Changes `cbor:"3,keyasint"`
}

// MessageType implements Message.
func (*EventNotification) MessageType() MessageType { return TypeNotify }

// Validate checks if the notification is well formed.
func (n *EventNotification) Validate() error {
	if n.SubscriptionID == "" {
		return fmt.Errorf("subscription id must not be empty")
	}
	if n.Sequence == 0 {
		return fmt.Errorf("sequence must start at 1")
	}
	return nil
}
