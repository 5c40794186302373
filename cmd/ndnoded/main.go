// Command ndnoded runs one NDN overlay peer: discovery, routing,
// forwarding, and a small interactive REPL for manual set/get/
// send_interest operator commands, surfacing the original prototype's
// main() command loop (SUPPLEMENTED FEATURES).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ndnhome/internal/config"
	"ndnhome/internal/node"
)

func main() {
	fs := flag.NewFlagSet("ndnoded", flag.ExitOnError)
	cfg, configPath, err := config.ParseFlags(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("flags: %v", err)
	}
	if configPath != "" {
		cfg, err = config.LoadFile(configPath, cfg)
		if err != nil {
			log.Fatalf("config file: %v", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	reader := newStaticReader(cfg.NodeName, cfg.SensorTypes)
	sink := newLoggingSink()

	n, err := node.New(cfg, reader, sink)
	if err != nil {
		log.Fatalf("node: %v", err)
	}
	n.Start()
	log.Printf("[ndnoded] %s listening on %s, broadcast %s:%d", cfg.NodeName, n.Addr(), cfg.BroadcastAddr, cfg.BroadcastPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go runREPL(n, reader)

	<-sigCh
	log.Printf("[ndnoded] shutting down")
	n.Stop()
}

// staticReader answers reads for this node's locally served sensors
// from an in-memory map the REPL's "set" command updates, standing in
// for the excluded sensor-value-generator collaborator (spec.md §1).
type staticReader struct {
	values map[string][]byte
}

func newStaticReader(nodeName string, sensorTypes []string) *staticReader {
	r := &staticReader{values: map[string][]byte{}}
	for _, s := range sensorTypes {
		r.values[nodeName+"/"+s] = []byte("0")
	}
	return r
}

func (r *staticReader) Read(name string) ([]byte, bool) {
	v, ok := r.values[name]
	return v, ok
}

func (r *staticReader) set(name string, value []byte) { r.values[name] = value }

type loggingSink struct{}

func newLoggingSink() *loggingSink { return &loggingSink{} }

func (s *loggingSink) Actuate(actuator, command string) {
	log.Printf("[ndnoded] actuate %s -> %s", actuator, command)
}

// runREPL mirrors the original prototype's operator command loop:
// "set <sensor> <value>", "get <name>", "interest <name> <destination>",
// "peers", "exit".
func runREPL(n *node.Node, reader *staticReader) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("ndnoded> set|get|interest|peers|exit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "set":
			if len(fields) != 3 {
				fmt.Println("usage: set <sensor> <value>")
				continue
			}
			reader.set(n.NodeName()+"/"+fields[1], []byte(fields[2]))
			n.Set(fields[1], []byte(fields[2]))
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <name>")
				continue
			}
			v, ok := n.Get(fields[1])
			if !ok {
				fmt.Println("miss")
				continue
			}
			fmt.Printf("%s\n", v)
		case "interest":
			if len(fields) != 3 {
				fmt.Println("usage: interest <name> <destination>")
				continue
			}
			if err := n.SendInterest(fields[1], fields[2]); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "peers":
			fmt.Printf("%d known peers\n", n.PeerCount())
		case "exit", "quit":
			n.Stop()
			os.Exit(0)
		default:
			fmt.Println("unknown command")
		}
	}
}
