// Package nat punches the peer listen port through the operator's router,
// over UPnP or NAT-PMP.
package nat

import (
	"context"

	UpnP "github.com/NebulousLabs/go-UpnP"

	"github.com/lnlab/lnode/logging"
)

// SetupUpnp discovers the router and forwards the peer port through it.
func SetupUpnp(port uint16) error {
	router, err := UpnP.DiscoverCtx(context.Background())
	if err != nil {
		return err
	}

	ip, err := router.ExternalIP()
	if err != nil {
		return err
	}
	logging.Infof("external IP is %s\n", ip)

	return router.Forward(port, "lnode peer port")
}
