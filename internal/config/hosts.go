package config

import (
	"github.com/kevinburke/ssh_config"
)

// SSHUser returns the User directive from the user's ~/.ssh/config for
// the given host, or "" when none is configured. Used as a fallback
// when a credential profile carries no username for a device.
func SSHUser(host string) string {
	val, err := ssh_config.GetStrict(host, "User")
	if err != nil {
		return ""
	}
	return val
}
