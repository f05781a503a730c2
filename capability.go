package mcpd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Capability is one node of a capability tree: a boolean leaf, an empty
// object leaf, or a map of child capabilities. An object leaf counts as
// supported merely by existing; a boolean leaf must be literally true.
type Capability struct {
	flag     bool
	isFlag   bool
	children CapabilitySet
}

// CapabilitySet is a named collection of capabilities, as advertised by a
// client or server during the initialize handshake.
type CapabilitySet map[string]Capability

// FlagCapability returns a boolean capability leaf.
func FlagCapability(v bool) Capability {
	return Capability{flag: v, isFlag: true}
}

// ObjectCapability returns an object capability with the given children. A
// nil children map yields an empty object leaf, which still counts as
// supported.
func ObjectCapability(children CapabilitySet) Capability {
	if children == nil {
		children = CapabilitySet{}
	}
	return Capability{children: children}
}

// UnmarshalJSON implements json.Unmarshaler. Valid encodings are a boolean or
// an object whose values are themselves capabilities.
func (c *Capability) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case string(data) == "true", string(data) == "false":
		*c = FlagCapability(string(data) == "true")
		return nil
	case len(data) > 0 && data[0] == '{':
		var children CapabilitySet
		if err := json.Unmarshal(data, &children); err != nil {
			return err
		}
		*c = ObjectCapability(children)
		return nil
	default:
		return fmt.Errorf("capability must be a boolean or an object, got %s", data)
	}
}

// MarshalJSON implements json.Marshaler.
func (c Capability) MarshalJSON() ([]byte, error) {
	if c.isFlag {
		return json.Marshal(c.flag)
	}
	if c.children == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.children)
}

// Has reports whether the dot-notation path names a supported capability,
// e.g. "roots.listChanged". Boolean leaves must be literally true; an object
// leaf is supported by presence alone. Paths descending through a boolean
// leaf are unsupported.
func (s CapabilitySet) Has(path string) bool {
	cur := s
	parts := strings.Split(path, ".")
	for i, part := range parts {
		c, ok := cur[part]
		if !ok {
			return false
		}
		if i == len(parts)-1 {
			if c.isFlag {
				return c.flag
			}
			return true
		}
		if c.isFlag {
			return false
		}
		cur = c.children
	}
	return false
}

// CapabilityError reports a method or notification whose required capability
// was not advertised during the handshake.
type CapabilityError struct {
	// Path is the dot-notation capability path that was required.
	Path string
	// Side is "client" or "server", naming whose advertisement was missing.
	Side string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("missing %s capability %q", e.Side, e.Path)
}

func asCapabilityError(err error, target **CapabilityError) bool {
	return errors.As(err, target)
}

// Negotiated pairs the capability trees exchanged at initialize time. It is
// computed once per session and immutable thereafter.
type Negotiated struct {
	client CapabilitySet
	server CapabilitySet
}

// Negotiate records the capability trees advertised by both parties.
func Negotiate(client, server CapabilitySet) Negotiated {
	return Negotiated{client: client, server: server}
}

// HasClientCapability reports whether the client advertised the capability at
// the given dot-notation path.
func (n Negotiated) HasClientCapability(path string) bool { return n.client.Has(path) }

// HasServerCapability reports whether the server advertised the capability at
// the given dot-notation path.
func (n Negotiated) HasServerCapability(path string) bool { return n.server.Has(path) }

// RequireClientCapability returns a CapabilityError if the client did not
// advertise the capability at the given path.
func (n Negotiated) RequireClientCapability(path string) error {
	if !n.client.Has(path) {
		return &CapabilityError{Path: path, Side: "client"}
	}
	return nil
}

// RequireServerCapability returns a CapabilityError if the server did not
// advertise the capability at the given path.
func (n Negotiated) RequireServerCapability(path string) error {
	if !n.server.Has(path) {
		return &CapabilityError{Path: path, Side: "server"}
	}
	return nil
}

// capabilitySide names which party must have advertised a capability.
type capabilitySide int

const (
	sideServer capabilitySide = iota
	sideClient
)

// methodCapabilities maps client-invoked methods to the server capability
// that must have been advertised for the method to be valid.
var methodCapabilities = map[string]string{
	MethodPromptsList:        "prompts",
	MethodPromptsGet:         "prompts",
	MethodResourcesList:      "resources",
	MethodResourcesRead:      "resources",
	MethodResourcesSubscribe: "resources.subscribe",
	MethodToolsList:          "tools",
	MethodToolsCall:          "tools",
	MethodLoggingSetLevel:    "logging",
	MethodCompletionComplete: "completions",
}

type notificationRequirement struct {
	path string
	side capabilitySide
}

// notificationCapabilities maps server-initiated notifications to the
// capability advertisement that permits sending them. The server must never
// push a notification class the handshake did not cover.
var notificationCapabilities = map[string]notificationRequirement{
	NotificationToolsListChanged:     {path: "tools.listChanged", side: sideServer},
	NotificationPromptsListChanged:   {path: "prompts.listChanged", side: sideServer},
	NotificationResourcesListChanged: {path: "resources.listChanged", side: sideServer},
	NotificationMessage:              {path: "logging", side: sideServer},
	NotificationRootsListChanged:     {path: "roots.listChanged", side: sideClient},
}

// ValidateMethod checks the static method-to-capability map before dispatch.
// Methods with no entry carry no capability requirement.
func (n Negotiated) ValidateMethod(method string) error {
	path, ok := methodCapabilities[method]
	if !ok {
		return nil
	}
	return n.RequireServerCapability(path)
}

// ValidateNotification checks whether a server-to-client notification class
// is permitted by the handshake.
func (n Negotiated) ValidateNotification(name string) error {
	req, ok := notificationCapabilities[name]
	if !ok {
		return nil
	}
	if req.side == sideClient {
		return n.RequireClientCapability(req.path)
	}
	return n.RequireServerCapability(req.path)
}
