package peer

import (
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// reflexiveAddress is the server-reflexive candidate discovered via STUN
type reflexiveAddress struct {
	IP   string
	Port int
}

// discoverReflexiveAddress asks the configured STUN servers for the
// external mapping of the local media socket. Failure is non-fatal: the
// offer degrades to host candidates only.
func discoverReflexiveAddress(stunServers []string, logger *logrus.Entry) (*reflexiveAddress, error) {
	if len(stunServers) == 0 {
		return nil, fmt.Errorf("no STUN servers configured")
	}

	for _, server := range stunServers {
		mapping, err := stunBindingRequest(server)
		if err != nil {
			logger.WithError(err).WithField("stun_server", server).Warn("STUN discovery failed, trying next server")
			continue
		}

		logger.WithFields(logrus.Fields{
			"stun_server":   server,
			"external_ip":   mapping.IP,
			"external_port": mapping.Port,
		}).Debug("STUN discovery succeeded")
		return mapping, nil
	}

	return nil, fmt.Errorf("STUN discovery failed for all servers")
}

// stunBindingRequest performs one RFC 5389 binding request
func stunBindingRequest(stunServer string) (*reflexiveAddress, error) {
	server := strings.TrimPrefix(stunServer, "stun:")
	if !strings.Contains(server, ":") {
		server += ":3478"
	}

	stunAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	conn, err := net.DialUDP("udp", nil, stunAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to STUN server %s: %w", server, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(bindingRequest()); err != nil {
		return nil, fmt.Errorf("failed to send STUN request: %w", err)
	}

	response := make([]byte, 1024)
	n, err := conn.Read(response)
	if err != nil {
		return nil, fmt.Errorf("failed to read STUN response: %w", err)
	}

	return parseBindingResponse(response[:n])
}

// bindingRequest builds a STUN Binding Request with a random transaction ID
func bindingRequest() []byte {
	packet := make([]byte, 20)

	// Message Type: Binding Request (0x0001), Message Length: 0
	packet[1] = 0x01

	// Magic Cookie: 0x2112A442
	packet[4] = 0x21
	packet[5] = 0x12
	packet[6] = 0xA4
	packet[7] = 0x42

	rand.Read(packet[8:20])
	return packet
}

// parseBindingResponse extracts the XOR-MAPPED-ADDRESS attribute
func parseBindingResponse(response []byte) (*reflexiveAddress, error) {
	if len(response) < 20 {
		return nil, fmt.Errorf("STUN response too short")
	}
	// Binding Success Response (0x0101)
	if response[0] != 0x01 || response[1] != 0x01 {
		return nil, fmt.Errorf("not a binding success response")
	}
	if response[4] != 0x21 || response[5] != 0x12 || response[6] != 0xA4 || response[7] != 0x42 {
		return nil, fmt.Errorf("invalid magic cookie")
	}

	msgLength := int(response[2])<<8 | int(response[3])
	offset := 20

	for offset+4 <= 20+msgLength && offset+4 <= len(response) {
		attrType := int(response[offset])<<8 | int(response[offset+1])
		attrLength := int(response[offset+2])<<8 | int(response[offset+3])

		if attrType == 0x0020 { // XOR-MAPPED-ADDRESS
			if offset+4+attrLength > len(response) || attrLength < 8 {
				break
			}
			if family := response[offset+5]; family != 0x01 {
				return nil, fmt.Errorf("unsupported address family %d", family)
			}

			port := (int(response[offset+6])<<8 | int(response[offset+7])) ^ 0x2112
			ip := net.IPv4(
				response[offset+8]^0x21,
				response[offset+9]^0x12,
				response[offset+10]^0xA4,
				response[offset+11]^0x42,
			)
			return &reflexiveAddress{IP: ip.String(), Port: port}, nil
		}

		// Attributes are padded to 4-byte boundaries
		offset += 4 + (attrLength+3)/4*4
	}

	return nil, fmt.Errorf("no XOR-MAPPED-ADDRESS in response")
}
