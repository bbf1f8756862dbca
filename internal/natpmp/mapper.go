// Package natpmp implements the best-effort NAT port mapper of spec §6.5:
// it tries NAT-PMP, then UPnP, then the Freebox API, in order, to open a
// mapping for the node's listening port, and refreshes the mapping on a
// timer. Failure of every backend degrades gracefully: the node simply
// relies on whatever addresses the tracker and direct dialing already
// provide.
package natpmp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	natpmpclient "github.com/jackpal/go-nat-pmp"
	log "github.com/sirupsen/logrus"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// refreshInterval is how often a successful mapping is renewed (spec §6.5,
// "refreshes every ~10 min").
const refreshInterval = 10 * time.Minute

// mappingLifetime is the lease requested from NAT-PMP/UPnP backends; it
// exceeds refreshInterval so a missed refresh cycle doesn't immediately
// drop the mapping.
const mappingLifetime = 20 * time.Minute

// FreeboxConfig holds the pre-obtained application credentials the Freebox
// API requires before it will accept port-forwarding calls (spec §6.5,
// "Freebox API"). Session/app-token acquisition is an interactive,
// out-of-band flow (the user authorizes the app once from the Freebox's own
// screen) and is not performed by this package; Freebox mapping is simply
// skipped when no token is configured, consistent with the "best-effort,
// graceful degradation" contract.
type FreeboxConfig struct {
	AppToken string
	AppID    string
}

// Mapper tries each NAT traversal backend in order and republishes the
// resulting external address via OnExternalAddress whenever it changes.
type Mapper struct {
	port    int
	freebox FreeboxConfig

	// OnExternalAddress, if set, is called with the learnt external
	// host:port whenever a mapping succeeds or changes (spec §6.5,
	// "External address ... is published to the tracker").
	OnExternalAddress func(hostPort string)

	lastExternal string
}

// New creates a Mapper for the node's local listening port.
func New(port int, freebox FreeboxConfig) *Mapper {
	return &Mapper{port: port, freebox: freebox}
}

// Run refreshes the mapping every refreshInterval until ctx is done. Each
// attempt tries every backend in order and logs (at Debug) every failure:
// none of them are fatal to the caller.
func (m *Mapper) Run(ctx context.Context) {
	m.refresh(ctx)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Mapper) refresh(ctx context.Context) {
	external, err := m.tryMapping(ctx)
	if err != nil {
		log.WithError(err).Debug("natpmp: no port mapping backend available")
		return
	}
	if external != m.lastExternal {
		m.lastExternal = external
		if m.OnExternalAddress != nil {
			m.OnExternalAddress(external)
		}
	}
}

// tryMapping attempts NAT-PMP, then UPnP, then Freebox, returning the first
// backend's reported external host:port.
func (m *Mapper) tryMapping(ctx context.Context) (string, error) {
	if external, err := m.tryNATPMP(); err == nil {
		return external, nil
	} else {
		log.WithError(err).Debug("natpmp: NAT-PMP mapping failed")
	}

	if external, err := m.tryUPnP(ctx); err == nil {
		return external, nil
	} else {
		log.WithError(err).Debug("natpmp: UPnP mapping failed")
	}

	if external, err := m.tryFreebox(ctx); err == nil {
		return external, nil
	} else {
		log.WithError(err).Debug("natpmp: Freebox mapping failed")
	}

	return "", fmt.Errorf("natpmp: no backend could map port %d", m.port)
}

// tryNATPMP speaks NAT-PMP (UDP 5351) to the default gateway via
// github.com/jackpal/go-nat-pmp, the real client library dtn7-dtn7-gold's
// ethereum-go-ethereum node also depends on for this purpose.
func (m *Mapper) tryNATPMP() (string, error) {
	gateway, err := defaultGateway()
	if err != nil {
		return "", fmt.Errorf("natpmp: determine default gateway: %w", err)
	}

	client := natpmpclient.NewClient(gateway)

	externalAddr, err := client.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("natpmp: get external address: %w", err)
	}

	mapping, err := client.AddPortMapping("tcp", m.port, m.port, int(mappingLifetime.Seconds()))
	if err != nil {
		return "", fmt.Errorf("natpmp: add port mapping: %w", err)
	}

	ip := net.IP(externalAddr.ExternalIPAddress[:])
	return fmt.Sprintf("%s:%d", ip.String(), mapping.MappedExternalPort), nil
}

// tryUPnP speaks UPnP (SSDP discovery plus a WANIPConnection SOAP call) via
// github.com/huin/goupnp, as ethereum-go-ethereum's NAT stack does.
func (m *Mapper) tryUPnP(ctx context.Context) (string, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return "", fmt.Errorf("natpmp: discover UPnP gateways: %w", err)
	}
	if len(clients) == 0 {
		return "", fmt.Errorf("natpmp: no UPnP internet gateway found")
	}
	client := clients[0]

	localIP, err := localOutboundIP()
	if err != nil {
		return "", err
	}

	if err := client.AddPortMapping(
		"", uint16(m.port), "TCP", uint16(m.port), localIP.String(),
		true, "teapotnet-overlay", uint32(mappingLifetime.Seconds()),
	); err != nil {
		return "", fmt.Errorf("natpmp: UPnP AddPortMapping: %w", err)
	}

	external, err := client.GetExternalIPAddress()
	if err != nil {
		return "", fmt.Errorf("natpmp: UPnP GetExternalIPAddress: %w", err)
	}

	return fmt.Sprintf("%s:%d", external, m.port), nil
}

func localOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "198.51.100.1:9")
	if err != nil {
		return nil, fmt.Errorf("natpmp: determine local outbound address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// defaultGateway reads the kernel routing table for the default IPv4 route.
// This is Linux-specific (there is no cross-platform default-gateway API in
// the standard library, and no such helper library appears anywhere in the
// pack), which is acceptable for a best-effort mapper: a lookup failure on
// another platform simply makes tryNATPMP fail gracefully and tryUPnP takes
// over.
func defaultGateway() (net.IP, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "00000000" { // destination 0.0.0.0
			continue
		}
		gatewayHex := fields[2]
		raw, err := strconv.ParseUint(gatewayHex, 16, 32)
		if err != nil {
			continue
		}
		var ip [4]byte
		binary.LittleEndian.PutUint32(ip[:], uint32(raw))
		return net.IP(ip[:]), nil
	}
	return nil, fmt.Errorf("natpmp: no default route found")
}
