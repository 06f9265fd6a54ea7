package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Node is a storage node. It is addressed by its ed25519 public key and is
// never mutated once built; pools and swarms are replaced wholesale.
type Node struct {
	PubkeyEd25519 string `json:"pubkey_ed25519"`
	PubkeyX25519  string `json:"pubkey_x25519"`
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
}

// Address returns the identity the node is known by.
func (n Node) Address() string { return n.PubkeyEd25519 }

// HostPort returns the node's "ip:port".
func (n Node) HostPort() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(int(n.Port)))
}

// String returns a shortened key, enough to tell nodes apart in logs.
func (n Node) String() string {
	return ShortKey(n.PubkeyEd25519)
}

// Validate performs basic validation.
func (n Node) Validate() error {
	if err := validateHexKey(n.PubkeyEd25519); err != nil {
		return fmt.Errorf("invalid pubkey_ed25519: %w", err)
	}
	if n.PubkeyX25519 != "" {
		if err := validateHexKey(n.PubkeyX25519); err != nil {
			return fmt.Errorf("invalid pubkey_x25519: %w", err)
		}
	}
	if net.ParseIP(n.IP) == nil {
		return fmt.Errorf("invalid ip %q", n.IP)
	}
	if n.IP == "0.0.0.0" {
		return errors.New("unroutable ip 0.0.0.0")
	}
	if n.Port == 0 {
		return errors.New("port is required")
	}
	return nil
}

func validateHexKey(key string) error {
	bz, err := hex.DecodeString(key)
	if err != nil {
		return err
	}
	if len(bz) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(bz))
	}
	return nil
}

// ShortKey renders the tail of a key for logging.
func ShortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return fmt.Sprintf("(...%s)", key[len(key)-4:])
}

// NodeAddresses returns the addresses of nodes, in order.
func NodeAddresses(nodes []Node) []string {
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.Address()
	}
	return addrs
}
