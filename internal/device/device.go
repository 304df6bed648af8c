// Package device defines the device model shared by the inventory,
// transport, and engine layers: device identity, the closed set of
// supported device types with their terminal capabilities, command
// sets, and resolved credentials.
package device

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Type identifies a supported network operating system. The set is
// closed: tags are resolved once per device via ResolveType and an
// unrecognized tag is a validation error, never a silent default.
type Type string

const (
	AristaEOS     Type = "arista_eos"
	CiscoASA      Type = "cisco_asa"
	CiscoFTD      Type = "cisco_ftd"
	CiscoIOS      Type = "cisco_ios"
	CiscoNXOS     Type = "cisco_nxos"
	F5TMSH        Type = "f5_tmsh"
	Linux         Type = "linux"
	PaloAltoPanOS Type = "paloalto_panos"
)

// Profile describes how a terminal session to a device type behaves:
// what its prompt looks like, how privilege escalation works, and how
// configuration mode is entered and left. A nil escalation command
// means the type has no privileged mode beyond login.
type Profile struct {
	// Prompt matches the end of output when the device is ready for
	// the next command. Covers both exec and config prompts.
	Prompt *regexp.Regexp

	// EnableCommand requests privilege escalation ("enable"). Empty
	// when the type has no escalation.
	EnableCommand string

	// EnablePrompt matches the secret prompt emitted after
	// EnableCommand is sent.
	EnablePrompt *regexp.Regexp

	// ConfigEnter and ConfigExit frame a config-mode command block.
	// Both empty for types whose commands are not moded (linux).
	ConfigEnter string
	ConfigExit  string

	// DisablePaging is sent once after login so long output is not
	// gated behind --More-- prompts. Empty when not applicable.
	DisablePaging string
}

var (
	networkPrompt = regexp.MustCompile(`[>#]\s?$`)
	shellPrompt   = regexp.MustCompile(`[$#]\s?$`)
	secretPrompt  = regexp.MustCompile(`(?i)password:\s?$`)
)

// profiles is the fixed capability table. Every Type constant has an
// entry; ResolveType guarantees no other value escapes this package.
var profiles = map[Type]Profile{
	AristaEOS:     {Prompt: networkPrompt, EnableCommand: "enable", EnablePrompt: secretPrompt, ConfigEnter: "configure terminal", ConfigExit: "end", DisablePaging: "terminal length 0"},
	CiscoASA:      {Prompt: networkPrompt, EnableCommand: "enable", EnablePrompt: secretPrompt, ConfigEnter: "configure terminal", ConfigExit: "end", DisablePaging: "terminal pager 0"},
	CiscoFTD:      {Prompt: networkPrompt},
	CiscoIOS:      {Prompt: networkPrompt, EnableCommand: "enable", EnablePrompt: secretPrompt, ConfigEnter: "configure terminal", ConfigExit: "end", DisablePaging: "terminal length 0"},
	CiscoNXOS:     {Prompt: networkPrompt, ConfigEnter: "configure terminal", ConfigExit: "end", DisablePaging: "terminal length 0"},
	F5TMSH:        {Prompt: networkPrompt, DisablePaging: "modify cli preference pager disabled"},
	Linux:         {Prompt: shellPrompt},
	PaloAltoPanOS: {Prompt: networkPrompt, ConfigEnter: "configure", ConfigExit: "exit", DisablePaging: "set cli pager off"},
}

// UnsupportedTypeError reports a device-type tag outside the closed set.
type UnsupportedTypeError struct {
	Tag string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported device type %q (supported: %s)", e.Tag, strings.Join(TypeNames(), ", "))
}

// ResolveType maps a string tag to a Type, or returns
// *UnsupportedTypeError when the tag is not in the supported set.
func ResolveType(tag string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(tag)))
	if _, ok := profiles[t]; !ok {
		return "", &UnsupportedTypeError{Tag: tag}
	}
	return t, nil
}

// TypeNames returns the supported device-type tags, sorted.
func TypeNames() []string {
	names := make([]string, 0, len(profiles))
	for t := range profiles {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// Profile returns the capability profile for the type. It panics on a
// value that did not come from ResolveType; the set is closed.
func (t Type) Profile() Profile {
	p, ok := profiles[t]
	if !ok {
		panic(fmt.Sprintf("device: unknown type %q", string(t)))
	}
	return p
}

// Mode selects how a command set is executed.
type Mode string

const (
	// ModeNormal sends each command independently; one command's
	// failure does not stop the rest.
	ModeNormal Mode = "normal"

	// ModeConfig treats the command set as one atomic block; the
	// first failure skips everything after it.
	ModeConfig Mode = "config"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeNormal:
		return ModeNormal, nil
	case ModeConfig:
		return ModeConfig, nil
	}
	return "", fmt.Errorf("invalid mode %q (want %q or %q)", s, ModeNormal, ModeConfig)
}

// Device identifies one target. Immutable once a run starts.
type Device struct {
	IP   string
	DNS  string // optional alias; identity is the (IP, DNS) pair
	Type Type

	// Profile names a credential override for this device. Empty
	// means the run's default profile.
	Profile string
}

// Label returns the display identity, preferring the DNS alias.
func (d Device) Label() string {
	if d.DNS != "" {
		return d.DNS
	}
	return d.IP
}

// Credentials are resolved before a run starts and are read-only for
// its duration. EnableSecret is optional; when empty no privilege
// escalation is attempted.
type Credentials struct {
	Username     string
	Password     string
	EnableSecret string
}

// CommandSet is an ordered command sequence plus its execution mode.
// Order is significant and preserved end to end.
type CommandSet struct {
	Commands []string
	Mode     Mode
}

// ExecutionUnit pairs one device with its command set and resolved
// credentials for a single run. Created once per run per device.
type ExecutionUnit struct {
	Device   Device
	Commands CommandSet
	Creds    Credentials
}
