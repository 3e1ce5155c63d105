package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var errFixedAddress = errors.New("app: the tcp transport uses its listen address; nothing to generate")

// fixedAddress is the address of the tcp development transport.
type fixedAddress string

func (a fixedAddress) Address() (string, error) { return string(a), nil }

func (a fixedAddress) Generate(context.Context) (string, error) { return "", errFixedAddress }

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("app: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("app: listen address %q: %w", addr, err)
	}
	return port, nil
}
