// Command dhtnode runs a standalone DHT node, optionally joining an
// existing network through a set of bootstrap peers.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log"

	"github.com/lbryio/lbry-sdk-sub003/contact"
	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/identifier"
	"github.com/lbryio/lbry-sdk-sub003/node"
)

var log = logging.Logger("dhtnode")

func main() {
	listen := flag.String("listen", ":4444", "UDP address to listen on")
	externalIP := flag.String("external-ip", "", "this node's externally-reachable IPv4 address, advertised in findValue self-announcements")
	tcpPort := flag.Uint("tcp-port", 3333, "TCP port advertised for blob transfer")
	bootstrap := flag.String("bootstrap", "", "comma-separated host:udpport peers to join through")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logging.SetLogLevel("*", *logLevel)

	localID, err := identifier.Generate()
	if err != nil {
		log.Fatalf("generating local node id: %v", err)
	}

	ip := net.ParseIP(*externalIP)
	if ip == nil && *externalIP != "" {
		log.Fatalf("invalid -external-ip %q", *externalIP)
	}

	cfg := dhtconf.Default()
	n, err := node.New(*listen, ip, localID, uint16(*tcpPort), cfg)
	if err != nil {
		log.Fatalf("starting node: %v", err)
	}
	n.Start()
	defer n.Stop()

	log.Infof("dht node %s listening on %s", localID, *listen)

	if *bootstrap != "" {
		seeds, err := parseSeeds(*bootstrap)
		if err != nil {
			log.Fatalf("parsing -bootstrap: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout*4)
		n.Bootstrap(ctx, seeds)
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}

func parseSeeds(s string) ([]contact.Contact, error) {
	var out []contact.Contact
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(host)
		if ip == nil {
			addrs, err := net.LookupIP(host)
			if err != nil || len(addrs) == 0 {
				return nil, err
			}
			ip = addrs[0]
		}
		c, err := contact.NewFromAddress(ip, uint16(port))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
