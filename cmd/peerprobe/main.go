// peerprobe establishes an ICE connection between two machines and reports
// the selected path. One side serves the signalling channel, the other
// connects to it:
//
//	peerprobe --serve :7070
//	peerprobe --connect ws://other-host:7070/signal
//
// The connecting side takes the controlling role. Once a pair is nominated,
// both sides print it and exit.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/halekai/ice"
	"github.com/halekai/ice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("peerprobe")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if (flagServe == "") == (flagConnect == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --serve or --connect is required")
		os.Exit(2)
	}

	// Signalling channel first; candidates and credentials flow over it.
	var sig *signalChannel
	var err error
	if flagServe != "" {
		sig, err = serveSignal(flagServe)
	} else {
		sig, err = connectSignal(flagConnect)
	}
	if err != nil {
		log.Fatalf("Signalling: %s", err)
	}
	defer sig.Close()

	if err := run(sig, flagConnect != ""); err != nil {
		log.Fatalf("%s", err)
	}
}

func run(sig *signalChannel, controlling bool) error {
	agent := ice.NewAgent()
	agent.SetControlling(controlling)

	conn, localAddrs, err := openSockets()
	if err != nil {
		return err
	}
	defer conn.Close()

	creds := agent.LocalCredentials()
	if err := sig.SendCredentials(creds.UFrag, creds.Password); err != nil {
		return err
	}

	for _, addr := range localAddrs {
		c, err := ice.NewHostCandidate(addr)
		if err != nil {
			log.Debug("Skipping %s: %s", addr, err)
			continue
		}
		if err := agent.AddLocalCandidate(c); err != nil {
			log.Debug("Skipping %s: %s", addr, err)
		}
	}

	packets := make(chan packetIn, 64)
	go readLoop(conn, packets)

	// Drive the agent: sockets and signalling feed in, transmits flow out,
	// ticks happen whenever the agent asks for one.
	ticker := time.NewTimer(0)
	defer ticker.Stop()
	deadline := time.Now()

	for {
		select {
		case m, ok := <-sig.Inbound:
			if !ok {
				return fmt.Errorf("signalling channel closed")
			}
			switch m.Type {
			case msgCredentials:
				agent.SetRemoteCredentials(ice.Credentials{UFrag: m.UFrag, Password: m.Password})
			case msgCandidate:
				c, err := ice.ParseCandidateSDP(m.Candidate)
				if err != nil {
					log.Warn("Bad remote candidate %q: %s", m.Candidate, err)
					continue
				}
				if err := agent.AddRemoteCandidate(c); err != nil {
					log.Warn("Rejected remote candidate %q: %s", m.Candidate, err)
				}
			}

		case p, ok := <-packets:
			if !ok {
				return fmt.Errorf("socket closed")
			}
			agent.HandleReceive(time.Now(), ice.Receive{
				Source:      ice.MakeTransportAddress(p.source),
				Destination: p.destination,
				Contents:    p.data,
			})

		case <-ticker.C:
			agent.HandleTimeout(time.Now())
		}

		for t := agent.PollTransmit(); t != nil; t = agent.PollTransmit() {
			if _, err := conn.WriteTo(t.Contents, t.Destination.NetAddr()); err != nil {
				log.Warn("Send to %s: %s", t.Destination, err)
			}
		}

		for e := agent.PollEvent(); e != nil; e = agent.PollEvent() {
			switch e := e.(type) {
			case ice.CandidateEvent:
				if err := sig.SendCandidate(e.Candidate.SDPString()); err != nil {
					return err
				}
			case ice.StateChangeEvent:
				log.Info("Connection state: %s", e.State)
				switch e.State {
				case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
					local, remote, _ := agent.SelectedPair()
					fmt.Printf("selected pair: %s -> %s\n", local.Addr(), remote.Addr())
					return nil
				case ice.ConnectionStateFailed:
					return fmt.Errorf("connectivity checks failed")
				}
			}
		}

		if next, ok := agent.PollTimeout(); ok && next != deadline {
			deadline = next
			ticker.Reset(time.Until(next))
		}
	}
}

type packetIn struct {
	source      net.Addr
	destination ice.TransportAddress
	data        []byte
}

// openSockets listens on a UDP socket bound to a concrete interface
// address, so that the agent can match inbound traffic to its host
// candidate. With --bind unset, the first usable interface address is
// picked.
func openSockets() (net.PacketConn, []ice.TransportAddress, error) {
	ip := net.ParseIP(flagBind)
	if ip == nil {
		var err error
		if ip, err = pickLocalIP(); err != nil {
			return nil, nil, err
		}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: int(flagPort)})
	if err != nil {
		return nil, nil, err
	}
	return conn, []ice.TransportAddress{ice.MakeTransportAddress(conn.LocalAddr())}, nil
}

func pickLocalIP() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.To4() == nil && !flagEnableIPv6 {
				continue
			}
			if ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			return ipnet.IP, nil
		}
	}
	return nil, fmt.Errorf("no usable interface address; use --bind")
}

func readLoop(conn net.PacketConn, packets chan<- packetIn) {
	dest := ice.MakeTransportAddress(conn.LocalAddr())
	buf := make([]byte, 1500)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			close(packets)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		packets <- packetIn{source: raddr, destination: dest, data: data}
	}
}
