// Package discover finds the serial port an instrument is attached to.
//
// List the ports, keep the ones a filter accepts, and pick the first.
package discover

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/electrode-lab/cicph/util"
)

// ErrNoMatch is returned when no port satisfies the filter
var ErrNoMatch = errors.New("discover: no matching port")

// FilterFn accepts or rejects a port
type FilterFn func(*enumerator.PortDetails) bool

// NameContains matches ports whose device name contains s, e.g. "ttyUSB"
func NameContains(s string) FilterFn {
	return func(p *enumerator.PortDetails) bool { return strings.Contains(p.Name, s) }
}

// USBIDs matches USB ports with the given vendor and product ID
func USBIDs(vid, pid uint16) FilterFn {
	v, p := fmt.Sprintf("%04x", vid), fmt.Sprintf("%04x", pid)
	return func(d *enumerator.PortDetails) bool {
		return d.IsUSB && strings.EqualFold(d.VID, v) && strings.EqualFold(d.PID, p)
	}
}

// Any matches ports accepted by at least one filter
func Any(filters ...FilterFn) FilterFn {
	return func(d *enumerator.PortDetails) bool {
		for _, f := range filters {
			if f(d) {
				return true
			}
		}
		return false
	}
}

// Lister enumerates the ports on the host
type Lister func() ([]*enumerator.PortDetails, error)

// Ports lists the host's serial ports with USB details where the platform
// provides them, falling back to bare names
func Ports() ([]*enumerator.PortDetails, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil && len(detailed) > 0 {
		return detailed, nil
	}
	names, nerr := serial.GetPortsList()
	if nerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, nerr
	}
	names = util.UniqueString(names)
	out := make([]*enumerator.PortDetails, len(names))
	for i, n := range names {
		out[i] = &enumerator.PortDetails{Name: n}
	}
	return out, nil
}

// Pick returns the name of the first port, in name order, accepted by
// filter.  A nil filter accepts every port.
func Pick(ports []*enumerator.PortDetails, filter FilterFn) (string, error) {
	var matches []string
	for _, p := range ports {
		if filter == nil || filter(p) {
			matches = append(matches, p.Name)
		}
	}
	if len(matches) == 0 {
		return "", ErrNoMatch
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		log.Printf("discover: %d matching ports %v, using %s", len(matches), matches, matches[0])
	}
	return matches[0], nil
}

// Find lists ports with list, or Ports if list is nil, and picks one
func Find(list Lister, filter FilterFn) (string, error) {
	if list == nil {
		list = Ports
	}
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("discover: %w", err)
	}
	return Pick(ports, filter)
}
