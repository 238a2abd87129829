package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/backkem/btmesh/pkg/node"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// consoleOOB presents output OOB values on the console and reads input OOB
// values from it.
type consoleOOB struct {
	ctx       context.Context
	in        io.Reader
	out       io.Writer
	static    [provisioning.AuthValueSize]byte
	hasStatic bool
	node      *node.Node
}

var _ provisioning.OOBHost = (*consoleOOB)(nil)

func (c *consoleOOB) StaticOOB() ([provisioning.AuthValueSize]byte, bool) {
	return c.static, c.hasStatic
}

func (c *consoleOOB) Output(action provisioning.OutputOOBAction, value provisioning.AuthValue) {
	fmt.Fprintf(c.out, "OOB output (action %d): %s\n", action, value)
}

// Input runs on the node's loop, so the reply is read and delivered from a
// separate goroutine.
func (c *consoleOOB) Input(action provisioning.InputOOBAction, size uint8) {
	fmt.Fprintf(c.out, "Enter OOB value (action %d, up to %d): ", action, size)
	go func() {
		line, err := bufio.NewReader(c.in).ReadString('\n')
		if err != nil && line == "" {
			return
		}
		value, err := parseInput(action, strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		if err := c.node.InputEntered(c.ctx, value); err != nil {
			fmt.Fprintln(c.out, err)
		}
	}()
}

func parseInput(action provisioning.InputOOBAction, s string) (provisioning.AuthValue, error) {
	if action == provisioning.InputAlphanumeric {
		if s == "" || len(s) > provisioning.MaxOOBSize {
			return provisioning.AuthValue{}, fmt.Errorf("alphanumeric value must be 1-%d characters", provisioning.MaxOOBSize)
		}
		return provisioning.AlphanumericAuth(strings.ToUpper(s)), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return provisioning.AuthValue{}, fmt.Errorf("numeric value: %w", err)
	}
	return provisioning.NumericAuth(uint32(n)), nil
}
