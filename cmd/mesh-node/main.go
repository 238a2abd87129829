// mesh-node runs a Bluetooth mesh node over a UDP advertising bearer.
//
// The node is described by a YAML node file:
//
//	storage: mesh-node.cfg
//	elements: 1
//	listen: ":2902"
//	peers: ["127.0.0.1:2903"]
//	log_level: debug
//	oob:
//	  output_size: 4
//	  output_actions: [numeric]
//	transmit_count: 2
//	transmit_interval: 20ms
//	subscriptions: ["0xC000"]
//
// Usage:
//
//	mesh-node init   -c node.yaml    write a default node file
//	mesh-node run    -c node.yaml    run until interrupted
//	mesh-node status -c node.yaml    print the stored configuration
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
