package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Address is a peer address rendered as a two-element JSON array,
// e.g. ["127.0.0.1", 50432]. Numeric ports are emitted as numbers and any
// other second element as a string, so synthetic senders such as
// ["ChatGPT", "AI"] survive a round trip.
type Address struct {
	Host string
	Port string
}

// AddressOf converts a transport address into an Address. Addresses without a
// port keep the whole string as the host.
func AddressOf(addr net.Addr) Address {
	if addr == nil {
		return Address{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Address{Host: addr.String()}
	}
	return Address{Host: host, Port: port}
}

func (a Address) String() string {
	if a.Port == "" {
		return a.Host
	}
	return net.JoinHostPort(a.Host, a.Port)
}

// MarshalJSON encodes the address as [host, port].
func (a Address) MarshalJSON() ([]byte, error) {
	if n, err := strconv.Atoi(a.Port); err == nil {
		return json.Marshal([]interface{}{a.Host, n})
	}
	return json.Marshal([]interface{}{a.Host, a.Port})
}

// UnmarshalJSON accepts [host, port] with the port as a number or a string.
func (a *Address) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("address: want 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &a.Host); err != nil {
		return fmt.Errorf("address host: %w", err)
	}

	var port json.Number
	if err := json.Unmarshal(parts[1], &port); err == nil {
		a.Port = port.String()
		return nil
	}
	if err := json.Unmarshal(parts[1], &a.Port); err != nil {
		return fmt.Errorf("address port: %w", err)
	}
	return nil
}
