package nat

import (
	"fmt"
	"net"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/lnlab/lnode/logging"
)

var (
	// the three RFC 1918 private blocks; an "external" address inside one
	// of them means we're behind more than one NAT
	private24BitBlock *net.IPNet
	private20BitBlock *net.IPNet
	private16BitBlock *net.IPNet
)

func init() {
	_, private24BitBlock, _ = net.ParseCIDR("10.0.0.0/8")
	_, private20BitBlock, _ = net.ParseCIDR("172.16.0.0/12")
	_, private16BitBlock, _ = net.ParseCIDR("192.168.0.0/16")
}

func isPrivateIP(ip net.IP) bool {
	return private24BitBlock.Contains(ip) ||
		private20BitBlock.Contains(ip) || private16BitBlock.Contains(ip)
}

// ExternalIP asks the NAT-PMP device for its public address.
func ExternalIP(p *natpmp.Client) (net.IP, error) {
	res, err := p.GetExternalAddress()
	if err != nil {
		return nil, err
	}

	ip := net.IP(res.ExternalIPAddress[:])
	if isPrivateIP(ip) {
		return nil, fmt.Errorf("multiple NATs detected")
	}
	return ip, nil
}

// SetupPmp maps the peer port on the local gateway via NAT-PMP.
func SetupPmp(timeout time.Duration, port uint16) (*natpmp.Client, error) {
	gatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, err
	}

	pmp := natpmp.NewClientWithTimeout(gatewayIP, timeout)

	ip, err := ExternalIP(pmp)
	if err != nil {
		return nil, err
	}
	logging.Infof("external IP is %s\n", ip)

	if _, err = pmp.AddPortMapping("tcp", int(port), int(port), 0); err != nil {
		return nil, err
	}
	return pmp, nil
}
