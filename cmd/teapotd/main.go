package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/fetch"
	"github.com/teapotnet/overlay/internal/handler"
	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/natpmp"
	"github.com/teapotnet/overlay/internal/netaddr"
	"github.com/teapotnet/overlay/internal/overlay"
	"github.com/teapotnet/overlay/internal/pubsub"
	"github.com/teapotnet/overlay/internal/store"
	"github.com/teapotnet/overlay/internal/tracker"
	"github.com/teapotnet/overlay/internal/transport"
	"github.com/teapotnet/overlay/internal/tunneler"
	"github.com/teapotnet/overlay/internal/wire"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn
}

// node bundles the long-lived components a running teapotd instance owns,
// so main can close them on shutdown: the transports first, then the store.
type node struct {
	store    *store.Store
	stream   *transport.StreamTransport
	datagram *transport.DatagramTransport
	cancel   context.CancelFunc
}

// Close tears down every component, collecting every failure instead of
// stopping at the first one, mirroring bpv7's primary_block.go validation
// idiom of accumulating every error found via multierror.Append rather than
// returning on the first.
func (n *node) Close() error {
	n.cancel()

	var errs *multierror.Error
	if n.stream != nil {
		errs = multierror.Append(errs, n.stream.Close())
	}
	if n.datagram != nil {
		errs = multierror.Append(errs, n.datagram.Close())
	}
	errs = multierror.Append(errs, n.store.Close())

	return errs.ErrorOrNil()
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}
	setupLogging(conf.Logging)

	n, err := run(conf)
	if err != nil {
		log.WithField("error", err).Fatal("Failed to start node")
	}

	watchConfigReload(os.Args[1])

	waitSigint()
	log.Info("Shutting down..")
	if err := n.Close(); err != nil {
		log.WithField("error", err).Warn("Errors while shutting down")
	}
}

// run wires every component of a teapotd node together: identity, store,
// Overlay node, secure transports, the Tunneler, per-neighbour Handlers, the
// publish/subscribe registry, the rendezvous tracker, and the best-effort
// NAT port mapper. Grounded on cmd/dtnd/main.go's parseCore-then-Close
// composition-root shape, generalized from one Core object to this
// repo's several cooperating subsystems.
func run(conf tomlConfig) (*node, error) {
	id, err := loadIdentity(conf.Node.KeyFile)
	if err != nil {
		return nil, err
	}
	log.WithField("node", id.ID).Info("Node identity loaded")

	if conf.Node.Store == "" {
		conf.Node.Store = "./store"
	}
	st, err := store.Open(conf.Node.Store)
	if err != nil {
		return nil, err
	}

	ov := overlay.New(id, st)
	reg := pubsub.New()
	tuns := tunneler.New(ov)
	fetcher := fetch.New(ov, st)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{store: st, cancel: cancel}

	go forwardInbox(ov, tuns, fetcher)
	go ov.RunAlarm(ctx)

	creds := transport.CertificateCredentials{Cert: id.Cert}

	onAccept := func(remote identity.ID, session *transport.Session) {
		ov.RegisterNeighbour(remote, session)
		defer ov.UnregisterNeighbour(remote)

		h := handler.New(id.ID, remote, session, reg, ov)
		if err := h.Run(); err != nil {
			log.WithFields(log.Fields{"peer": remote, "error": err}).Debug("Handler session ended")
		}
	}

	ov.SetConnector(&suggestedDialer{creds: creds, onAccept: onAccept})

	if conf.Listen.Stream != "" {
		streamTransport, err := transport.Listen(conf.Listen.Stream, creds, func(remote identity.ID, session *transport.Session) {
			go onAccept(remote, session)
		})
		if err != nil {
			return nil, err
		}
		n.stream = streamTransport
	}

	if conf.Listen.Datagram != "" {
		datagramTransport, err := transport.ListenDatagram(conf.Listen.Datagram, creds, func(remote identity.ID, session *transport.Session) {
			go onAccept(remote, session)
		})
		if err != nil {
			return nil, err
		}
		n.datagram = datagramTransport
	}

	if port := listenPort(conf.Listen.Stream); port != 0 {
		if addrs, err := netaddr.LocalAddresses(uint16(port)); err != nil {
			log.WithError(err).Debug("Failed to enumerate local addresses")
		} else {
			ov.SetLocalAddresses(addrs)
		}
	}

	for _, peer := range conf.Peer {
		go dialPeer(ctx, peer.Address, creds, onAccept)
	}

	if conf.Tracker.URL != "" {
		client := tracker.New(conf.Tracker.URL)
		go runTracker(ctx, client, id, conf, ov, creds, onAccept)
	}

	if conf.Natpmp.Enabled {
		mapper := natpmp.New(listenPort(conf.Listen.Stream), natpmp.FreeboxConfig{
			AppToken: conf.Natpmp.FreeboxToken,
			AppID:    conf.Natpmp.FreeboxAppID,
		})
		go mapper.Run(ctx)
	}

	return n, nil
}

// forwardInbox demultiplexes Node.Inbox by record type: Tunnel records go to
// the Tunneler (spec §4.5), Call/Data records go to the Fetcher (spec §4.4).
func forwardInbox(ov *overlay.Node, tuns *tunneler.Tunneler, fetcher *fetch.Fetcher) {
	for m := range ov.Inbox() {
		switch m.Type {
		case wire.Tunnel:
			tuns.Deliver(m)
		case wire.Call, wire.Data:
			fetcher.Deliver(m)
		default:
			log.WithField("type", m.Type).Debug("No consumer registered for inbox message")
		}
	}
}

// suggestedDialer is the composition root's connector: it lets a Suggest a
// node receives (relayed from another node's path-folding Offer) actually
// attempt an outbound connection toward the carried addresses, stopping at
// the first one that answers as the expected peer (spec §4.2/§4.3).
type suggestedDialer struct {
	creds    transport.Credentials
	onAccept transport.AcceptFunc
}

func (d *suggestedDialer) Connect(ctx context.Context, addrs []netaddr.Address, target identity.ID) {
	for _, addr := range addrs {
		remote, session, err := transport.Dial(ctx, addr.String(), d.creds)
		if err != nil {
			log.WithFields(log.Fields{"addr": addr, "error": err}).Debug("Failed to dial suggested address")
			continue
		}
		if remote != target {
			log.WithFields(log.Fields{"addr": addr, "expected": target, "got": remote}).Warn("Suggested address answered as an unexpected peer")
			session.Close()
			continue
		}

		go d.onAccept(remote, session)
		return
	}
}

// dialPeer dials a configured or tracker-bootstrapped peer and, once
// connected, runs its Handler exactly as an accepted connection's would.
func dialPeer(ctx context.Context, addr string, creds transport.Credentials, onAccept transport.AcceptFunc) {
	remote, session, err := transport.Dial(ctx, addr, creds)
	if err != nil {
		log.WithFields(log.Fields{"peer": addr, "error": err}).Warn("Failed to dial peer")
		return
	}
	onAccept(remote, session)
}

// runTracker periodically publishes this node's listening port (with an
// empty address list) to the rendezvous tracker and dials the first address
// of every peer it bootstraps back (spec
// §6.3).
func runTracker(ctx context.Context, client *tracker.Client, id *identity.Identity, conf tomlConfig, ov *overlay.Node, creds transport.Credentials, onAccept transport.AcceptFunc) {
	interval := time.Duration(conf.Tracker.Interval) * time.Second
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	port := listenPort(conf.Listen.Stream)

	for {
		if err := client.Publish(ctx, id.ID, nil, uint16(port)); err != nil {
			log.WithError(err).Debug("Failed to publish to tracker")
		}

		peers, err := client.Bootstrap(ctx, id.ID)
		if err != nil {
			log.WithError(err).Debug("Failed to bootstrap from tracker")
		} else {
			for peerID, addrs := range peers {
				if peerID == id.ID || len(addrs) == 0 {
					continue
				}
				go dialPeer(ctx, addrs[0], creds, onAccept)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchConfigReload re-applies the Logging block whenever the configuration
// file changes on disk, without restarting the process, grounded on
// command/recorderd/file_watcher.go's fsnotify.Watcher usage.
func watchConfigReload(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Debug("Config hot-reload unavailable")
		return
	}
	if err := watcher.Add(path); err != nil {
		log.WithError(err).Debug("Failed to watch configuration file")
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				conf, err := parseConfig(path)
				if err != nil {
					log.WithError(err).Warn("Failed to reload config")
					continue
				}
				setupLogging(conf.Logging)
				log.Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debug("Config watcher error")
			}
		}
	}()
}

func listenPort(addr string) int {
	port, err := parseListenPort(addr)
	if err != nil {
		return 0
	}
	return port
}
