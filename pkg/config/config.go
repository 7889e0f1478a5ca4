package config

import (
	"fmt"
	"net"
	"strconv"
)

// HostPort is a TCP address split into its components so validation can
// reason about each part.
type HostPort struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (h HostPort) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Via is the SSH endpoint a tunnel is established through.
type Via struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
}

func (v Via) Addr() string {
	return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
}

// TunnelConfig is the persisted record for one supervised forwarding
// session. The tunnel reads it on every (re)start; set-endpoint rewrites it
// atomically.
type TunnelConfig struct {
	ServiceName string   `yaml:"service_name"`
	Via         Via      `yaml:"via"`
	IdentityRef string   `yaml:"identity"`
	Bind        HostPort `yaml:"bind"`
	Target      HostPort `yaml:"target"`
}

func (c *TunnelConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.IdentityRef == "" {
		return fmt.Errorf("identity is required for service %q", c.ServiceName)
	}
	if c.Via.Host == "" {
		return fmt.Errorf("via.host is required for service %q", c.ServiceName)
	}
	if c.Via.User == "" {
		return fmt.Errorf("via.user is required for service %q", c.ServiceName)
	}
	if err := validPort(c.Via.Port); err != nil {
		return fmt.Errorf("via.port for service %q: %w", c.ServiceName, err)
	}
	if err := validPort(c.Bind.Port); err != nil {
		return fmt.Errorf("bind.port for service %q: %w", c.ServiceName, err)
	}
	if c.Target.Host == "" {
		return fmt.Errorf("target.host is required for service %q", c.ServiceName)
	}
	if err := validPort(c.Target.Port); err != nil {
		return fmt.Errorf("target.port for service %q: %w", c.ServiceName, err)
	}
	return nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}
