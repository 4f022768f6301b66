package protocol

import "sort"

// Capability is a named feature a connector advertises at handshake.
type Capability string

const (
	CapCommandExecution    Capability = "command_execution"
	CapPlayerManagement    Capability = "player_management"
	CapWhitelistManagement Capability = "whitelist_management"
	CapServerInfo          Capability = "server_info"
	CapWorldAccess         Capability = "world_access"
	CapPluginIntegration   Capability = "plugin_integration"
)

var knownCapabilities = map[Capability]struct{}{
	CapCommandExecution:    {},
	CapPlayerManagement:    {},
	CapWhitelistManagement: {},
	CapServerInfo:          {},
	CapWorldAccess:         {},
	CapPluginIntegration:   {},
}

// requestCapabilities maps every known request op to the capability a
// session must advertise before the broker will send it.
var requestCapabilities = map[string]Capability{
	OpCommandExecute:  CapCommandExecution,
	OpWhitelistAdd:    CapWhitelistManagement,
	OpWhitelistRemove: CapWhitelistManagement,
	OpWhitelistList:   CapWhitelistManagement,
	OpPlayerList:      CapPlayerManagement,
	OpPlayerInfo:      CapPlayerManagement,
	OpPlayerKick:      CapPlayerManagement,
	OpServerInfo:      CapServerInfo,
	OpServerStatus:    CapServerInfo,
}

// RequiredCapability returns the capability required to send op, or false
// if op is not a known request operation.
func RequiredCapability(op string) (Capability, bool) {
	c, ok := requestCapabilities[op]
	return c, ok
}

// IsRequestOp reports whether op belongs to the known request set.
func IsRequestOp(op string) bool {
	_, ok := requestCapabilities[op]
	return ok
}

// CapabilitySet is the set of capabilities advertised by a session.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from advertised names. Unknown names are
// ignored.
func NewCapabilitySet(names []string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, n := range names {
		c := Capability(n)
		if _, ok := knownCapabilities[c]; ok {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Names returns the capabilities as sorted strings.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
