// Package channel defines the closed set of operations the bridge carries.
//
// Every operation is identified by its request channel name. Request-response
// operations also own a fixed reply channel on which the privileged host answers:
//
//	get-user-settings ──request──►  host
//	                  ◄──reply────  get-user-settings-reply
//
// The table is built once at init and never changes. Looking up a name that
// is not in it is a programming error, so the Must* helpers panic instead of
// returning an error.
package channel

import (
	"fmt"
	"sort"
)

// Name is a channel identity on the wire.
type Name string

// Kind tells whether an operation expects a reply.
type Kind byte

const (
	FireAndForget   Kind = 0 // No reply, caller never observes the outcome
	RequestResponse Kind = 1 // Exactly one reply on the operation's reply channel
)

func (k Kind) String() string {
	switch k {
	case FireAndForget:
		return "fire-and-forget"
	case RequestResponse:
		return "request-response"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Request channels.
const (
	EnableAutostart    Name = "enable-autostart"
	DisableAutostart   Name = "disable-autostart"
	GetAutostartStatus Name = "get-autostart-status"
	GetUserSettings    Name = "get-user-settings"
	SaveUserSettings   Name = "save-user-settings"
)

// Reply channels, one per request-response operation.
const (
	GetAutostartStatusReply Name = "get-autostart-status-reply"
	GetUserSettingsReply    Name = "get-user-settings-reply"
	SaveUserSettingsReply   Name = "save-user-settings-reply"
)

// Operation is one entry of the registry.
type Operation struct {
	Channel Name
	Kind    Kind
	Reply   Name // Empty for fire-and-forget operations
}

var operations = map[Name]Operation{
	EnableAutostart:    {Channel: EnableAutostart, Kind: FireAndForget},
	DisableAutostart:   {Channel: DisableAutostart, Kind: FireAndForget},
	GetAutostartStatus: {Channel: GetAutostartStatus, Kind: RequestResponse, Reply: GetAutostartStatusReply},
	GetUserSettings:    {Channel: GetUserSettings, Kind: RequestResponse, Reply: GetUserSettingsReply},
	SaveUserSettings:   {Channel: SaveUserSettings, Kind: RequestResponse, Reply: SaveUserSettingsReply},
}

// replyOf maps a reply channel back to the request channel that owns it.
var replyOf = func() map[Name]Name {
	m := make(map[Name]Name)
	for name, op := range operations {
		if op.Kind == RequestResponse {
			m[op.Reply] = name
		}
	}
	return m
}()

// Lookup returns the operation registered under name.
func Lookup(name Name) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// MustLookup is Lookup for callers holding a compile-time channel constant.
// It panics if name is not registered.
func MustLookup(name Name) Operation {
	op, ok := operations[name]
	if !ok {
		panic(fmt.Sprintf("channel: unknown operation %q", name))
	}
	return op
}

// ReplyChannel returns the fixed reply channel of a request-response
// operation. It panics for unknown names and for fire-and-forget operations.
func ReplyChannel(name Name) Name {
	op := MustLookup(name)
	if op.Kind != RequestResponse {
		panic(fmt.Sprintf("channel: %q is %s and has no reply channel", name, op.Kind))
	}
	return op.Reply
}

// RequestFor returns the request channel that replies on reply.
func RequestFor(reply Name) (Name, bool) {
	name, ok := replyOf[reply]
	return name, ok
}

// Operations returns every registered operation sorted by channel name.
func Operations() []Operation {
	ops := make([]Operation, 0, len(operations))
	for _, op := range operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Channel < ops[j].Channel
	})
	return ops
}
