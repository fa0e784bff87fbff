package config

import (
	"fmt"
	"net"
)

const (
	EnvPrefix = "QRT_"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
