// Package scpi provides primitives for working with devices that
// have SCPI or TSP command interfaces
package scpi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/electrode-lab/cicph/comm"
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Port comm.Port
}

// Write sends each command to the device as its own line.
// It is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	for _, cmd := range cmds {
		if err := s.Port.Write(cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmd string) (string, error) {
	resp, err := s.Port.Query(cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return strings.TrimSpace(resp), nil
}

// malformed wraps a parse failure so callers can tell a bad reply from a
// missing one
func malformed(cmd, resp string, err error) error {
	return fmt.Errorf("%s: %q: %w (%v)", cmd, resp, comm.ErrMalformed, err)
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmd string) (float64, error) {
	resp, err := s.ReadString(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, malformed(cmd, resp, err)
	}
	return f, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmd string) (bool, error) {
	resp, err := s.ReadString(cmd)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(resp) {
	case "on", "smu.on":
		return true, nil
	case "off", "smu.off":
		return false, nil
	}
	b, err := strconv.ParseBool(resp)
	if err != nil {
		return false, malformed(cmd, resp, err)
	}
	return b, nil
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmd string) (int, error) {
	resp, err := s.ReadString(cmd)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(resp)
	if err != nil {
		// TSP prints integers as floats, e.g. 3.000000000e+00
		f, ferr := strconv.ParseFloat(resp, 64)
		if ferr != nil {
			return 0, malformed(cmd, resp, err)
		}
		return int(f), nil
	}
	return i, nil
}

// ClearStatus sends *CLS, clearing the event registers and error queue
func (s *SCPI) ClearStatus() error {
	return s.Write("*CLS")
}
