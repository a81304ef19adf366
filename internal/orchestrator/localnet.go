package orchestrator

import (
	"fmt"
	"net"
)

// LocalNetworks enumerates the CIDR ranges of every up, non-loopback IPv4
// interface on the host, used to auto-detect targets when a scan request
// omits an explicit network list.
func LocalNetworks() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var networks []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
				continue
			}
			networks = append(networks, ipnet.String())
		}
	}

	return networks, nil
}
