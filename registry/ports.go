package registry

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// portBandSize is how many consecutive ports each agent type owns.
const portBandSize = 10

// unknownTypeBase is where bands for unrecognized agent types begin.
const unknownTypeBase = 8200

// unknownBandCount caps the scan for a free unknown-type band.
const unknownBandCount = 40

// portBands maps known agent types to the first port of their band. Fixed
// bands make an agent's type readable from its port number alone.
var portBands = map[string]int{
	"claude":   8100,
	"gemini":   8110,
	"codex":    8120,
	"opencode": 8130,
	"copilot":  8140,
	"dummy":    8190,
}

// PortBand returns the first port of the band assigned to a known agent
// type, or 0 for unrecognized types. Unknown types are assigned bands at
// allocation time, from registry occupancy.
func PortBand(agentType string) int {
	return portBands[strings.ToLower(agentType)]
}

// PortManager allocates ports within an agent type's band by binding them.
// The bind both reserves the port against races and yields the listener the
// caller will serve on.
type PortManager struct {
	registry *Registry
}

// NewPortManager creates a port manager backed by the registry for
// exhaustion diagnostics.
func NewPortManager(registry *Registry) *PortManager {
	return &PortManager{registry: registry}
}

// Allocate binds the first free port in agentType's band on host and returns
// the port with its listener. Known types use their fixed band; unknown
// types take the next free band above unknownTypeBase.
func (m *PortManager) Allocate(host, agentType string) (int, net.Listener, error) {
	if base := PortBand(agentType); base != 0 {
		return m.allocateInBand(host, agentType, base)
	}
	return m.allocateUnknown(host, agentType)
}

// allocateInBand binds the first free port within one band. When every port
// is taken, the error lists the registered occupants so the operator can see
// who is holding them.
func (m *PortManager) allocateInBand(host, agentType string, base int) (int, net.Listener, error) {
	for port := base; port < base+portBandSize; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return port, ln, nil
		}
	}
	return 0, nil, fmt.Errorf("no free port in band %d-%d for agent type %q%s",
		base, base+portBandSize-1, agentType, m.bandOccupants(base))
}

// allocateUnknown scans bands upward from unknownTypeBase. A band already
// registered to a different agent type is skipped; a band registered to the
// same type is reused, so siblings of one type share a band.
func (m *PortManager) allocateUnknown(host, agentType string) (int, net.Listener, error) {
	taken := m.unknownBandOwners()
	for base := unknownTypeBase; base < unknownTypeBase+unknownBandCount*portBandSize; base += portBandSize {
		if owner, held := taken[base]; held && !strings.EqualFold(owner, agentType) {
			continue
		}
		for port := base; port < base+portBandSize; port++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
			if err == nil {
				return port, ln, nil
			}
		}
	}
	return 0, nil, fmt.Errorf("no free band above %d for agent type %q", unknownTypeBase, agentType)
}

// unknownBandOwners maps each occupied unknown-range band base to the agent
// type registered there.
func (m *PortManager) unknownBandOwners() map[int]string {
	owners := make(map[int]string)
	if m.registry == nil {
		return owners
	}
	records, err := m.registry.List()
	if err != nil {
		return owners
	}
	for _, rec := range records {
		if rec.Port < unknownTypeBase {
			continue
		}
		base := rec.Port - (rec.Port-unknownTypeBase)%portBandSize
		owners[base] = rec.AgentType
	}
	return owners
}

// Claim binds one specific port, used when SYNAPSE_PORT pins the choice.
func (m *PortManager) Claim(host string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("port %d unavailable: %w", port, err)
	}
	return ln, nil
}

// bandOccupants renders the registered agents holding ports in a band.
func (m *PortManager) bandOccupants(base int) string {
	if m.registry == nil {
		return ""
	}
	records, err := m.registry.List()
	if err != nil {
		return ""
	}

	var holders []string
	for _, rec := range records {
		if rec.Port >= base && rec.Port < base+portBandSize {
			holders = append(holders, fmt.Sprintf("%d=%s(pid %d)", rec.Port, rec.AgentID, rec.PID))
		}
	}
	if len(holders) == 0 {
		return ""
	}
	sort.Strings(holders)
	return "; occupied: " + strings.Join(holders, ", ")
}
