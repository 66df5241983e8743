package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidateAddress validates an address in the format host:port, as used for
// Kafka brokers, the Redis store and the metrics listener.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return fmt.Errorf("address %q must include port", address)
		}
		return fmt.Errorf("invalid address format: %w", err)
	}

	// ":9100" style listen addresses bind every interface
	if host == "" {
		return fmt.Errorf("address host cannot be empty")
	}

	if err := validateHost(host); err != nil {
		return err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}
	return validatePort(port)
}

// ValidateListenAddress is ValidateAddress with an optional host part.
func ValidateListenAddress(address string) error {
	if strings.HasPrefix(address, ":") {
		port, err := strconv.Atoi(strings.TrimPrefix(address, ":"))
		if err != nil {
			return fmt.Errorf("invalid port number: %w", err)
		}
		return validatePort(port)
	}
	return ValidateAddress(address)
}

// ValidateEndpoint validates an MQTT endpoint given as separate host and port.
func ValidateEndpoint(host string, port int) error {
	if host == "" {
		return fmt.Errorf("endpoint host cannot be empty")
	}
	if err := validateHost(host); err != nil {
		return err
	}
	return validatePort(port)
}

// validateHost accepts an IP literal or an RFC 1123 hostname.
func validateHost(host string) error {
	if strings.ContainsAny(host, " \t\n\r\"'`;") {
		return fmt.Errorf("host contains invalid characters")
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if err := validateHostname(host); err != nil {
		return fmt.Errorf("invalid hostname: %w", err)
	}
	return nil
}

// validateHostname validates a hostname according to RFC 1123.
func validateHostname(hostname string) error {
	if len(hostname) > 253 {
		return fmt.Errorf("hostname too long (max 253 characters)")
	}

	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 {
			return fmt.Errorf("empty label in hostname")
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname label too long (max 63 characters)")
		}
		for i, ch := range label {
			switch {
			case i == 0 && !isAlphaNumeric(ch):
				return fmt.Errorf("hostname label must start with alphanumeric character")
			case i == len(label)-1 && ch == '-':
				return fmt.Errorf("hostname label cannot end with hyphen")
			case !isAlphaNumeric(ch) && ch != '-':
				return fmt.Errorf("invalid character '%c' in hostname", ch)
			}
		}
	}

	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func isAlphaNumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
