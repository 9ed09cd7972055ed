// Package sshtunnel implements tunnel.Client and tunnel.Session over
// a real SSH connection via golang.org/x/crypto/ssh, replacing the
// ssh/scp/ssh-keygen/ssh-keyscan subprocesses the original supervisor
// shelled out to.
package sshtunnel

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultSSHPort is the standard SSH protocol port.
const DefaultSSHPort = 22

// DefaultBastionPort is the port a validator-supervisor bastion node
// listens for incoming tunnels on.
const DefaultBastionPort = 2222

// DefaultBastionUser is the system user the bastion's sshd expects.
const DefaultBastionUser = "somebody"

// ConnInfo specifies how to reach an SSH bastion node.
type ConnInfo struct {
	// Host is the bastion's domain name or IP address.
	Host string
	// User is the SSH login user. Defaults to DefaultBastionUser.
	User string
	// Port is the bastion's SSH port. Defaults to DefaultBastionPort.
	Port int
	// Pubkey, if set, pins the expected host key ("keytype base64key",
	// an optional trailing comment is ignored). If empty, the host key
	// is trusted on first use.
	Pubkey string
	// IdentityFile, if set, is a path to a private key used for
	// authentication. If empty, authentication falls back to an
	// ssh-agent reachable via SSH_AUTH_SOCK.
	IdentityFile string
}

func (c ConnInfo) user() string {
	if c.User == "" {
		return DefaultBastionUser
	}
	return c.User
}

func (c ConnInfo) port() int {
	if c.Port == 0 {
		return DefaultBastionPort
	}
	return c.Port
}

func (c ConnInfo) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

func (c ConnInfo) String() string {
	return fmt.Sprintf("%s@%s:%d", c.user(), c.Host, c.port())
}

// knownHostsHost is the host identifier used in known_hosts entries,
// matching OpenSSH's convention of bracket-and-port-qualifying
// non-standard ports.
func (c ConnInfo) knownHostsHost() string {
	if c.port() == DefaultSSHPort {
		return c.Host
	}
	return fmt.Sprintf("[%s]:%d", c.Host, c.port())
}
