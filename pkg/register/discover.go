package register

import (
	"github.com/meridianlabs/traverse/pkg/netutil"
	"github.com/meridianlabs/traverse/pkg/types"
)

// DiscoverPrivateEndpoint returns the private endpoint a registration
// should advertise: the host's preferred local address, if it lies in a
// private range, paired with the target's punch port. The mediator
// forwards it to sources alongside the public mapping it observes
// itself, so same-NAT peers can connect directly.
//
// Returns nil when the host has no private address to advertise.
func DiscoverPrivateEndpoint(port int) *types.Endpoint {
	ip, err := netutil.GetPreferredLocalAddress()
	if err != nil || !netutil.IsPrivateIP(ip) {
		return nil
	}
	return &types.Endpoint{IP: ip.String(), Port: port}
}
