package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/teapotnet/overlay/internal/identity"
)

// tomlConfig describes the TOML configuration file for a teapotd node.
type tomlConfig struct {
	Node    nodeConf
	Logging logConf
	Listen  listenConf
	Tracker trackerConf
	Natpmp  natpmpConf
	Peer    []peerConf
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	KeyFile string `toml:"key-file"`
	Store   string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes the stream and datagram endpoints this node accepts
// connections on.
type listenConf struct {
	Stream   string
	Datagram string
}

// trackerConf describes the rendezvous tracker this node publishes its
// addresses to and bootstraps peers from.
type trackerConf struct {
	URL      string
	Interval uint
}

// natpmpConf describes the best-effort NAT port mapper.
type natpmpConf struct {
	Enabled      bool
	FreeboxToken string `toml:"freebox-token"`
	FreeboxAppID string `toml:"freebox-app-id"`
}

// peerConf describes a peer to dial at startup.
type peerConf struct {
	Address string
}

func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseListenPort extracts the numeric port from a "host:port" endpoint,
// mirroring cmd/dtnd/configuration.go's helper of the same name.
func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseConfig decodes filename into a tomlConfig.
func parseConfig(filename string) (tomlConfig, error) {
	var conf tomlConfig
	_, err := toml.DecodeFile(filename, &conf)
	return conf, err
}

// loadIdentity reads an RSA private key from an existing PEM file, or
// generates one and writes it out, so a node keeps the same identifier
// across restarts instead of presenting a new one every run (spec §4.3,
// "the node's identifier is the digest of its public key").
func loadIdentity(keyFile string) (*identity.Identity, error) {
	if keyFile == "" {
		return identity.Generate(identity.MinKeyBits)
	}

	data, err := os.ReadFile(keyFile)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("configuration: %s: not a PEM file", keyFile)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("configuration: parse private key: %w", err)
		}
		return identity.FromPrivateKey(key)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration: read %s: %w", keyFile, err)
	}

	id, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.PrivateKey)}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("configuration: write %s: %w", keyFile, err)
	}

	return id, nil
}
