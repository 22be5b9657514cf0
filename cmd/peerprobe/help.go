package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagServe      string
	flagConnect    string
	flagBind       string
	flagPort       uint16
	flagEnableIPv6 bool
	flagHelp       bool
)

func init() {
	flag.StringVarP(&flagServe, "serve", "s", "", "Serve the signalling channel on this address")
	flag.StringVarP(&flagConnect, "connect", "c", "", "Connect to a served signalling channel (ws:// URL)")
	flag.StringVarP(&flagBind, "bind", "b", "", "Local IP to bind (default: first usable interface)")
	flag.Uint16VarP(&flagPort, "port", "p", 0, "UDP port for connectivity checks (default: ephemeral)")
	flag.BoolVarP(&flagEnableIPv6, "enable-ipv6", "6", false, "Permit use of IPv6")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `Probe ICE connectivity between two machines

Usage:
  peerprobe --serve ADDR      wait for a peer (controlled side)
  peerprobe --connect URL     dial a waiting peer (controlling side)

Signalling:
  -s, --serve=ADDR       Serve the signalling channel, e.g. :7070
  -c, --connect=URL      Connect to a peer, e.g. ws://host:7070/signal

Network:
  -b, --bind=IP          Local IP to bind (default: first usable interface)
  -p, --port=NUM         UDP port for connectivity checks (default: ephemeral)
  -6, --enable-ipv6      Permit use of IPv6 (default: disabled)

Miscellaneous:
  -h, --help             Prints this help message and exits

Set LOGLEVEL=ice=debug to watch the connectivity checks.`

// Help information is printed and program exits
func help() {
	b := color.New(color.FgCyan)
	y := color.New(color.FgYellow)

	b.Println("peerprobe")
	y.Println("---------")
	fmt.Println(helpString)
}
