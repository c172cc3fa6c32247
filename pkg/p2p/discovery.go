package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const beaconPrefix = "SNAKELINK1"

type beacon struct {
	ID   string
	Port int
	Name string
}

func encodeBeacon(b beacon) []byte {
	return []byte(fmt.Sprintf("%s %s %d %s", beaconPrefix, b.ID, b.Port, b.Name))
}

func parseBeacon(msg []byte) (beacon, bool) {
	fields := strings.SplitN(strings.TrimSpace(string(msg)), " ", 4)
	if len(fields) < 3 || fields[0] != beaconPrefix || fields[1] == "" {
		return beacon{}, false
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		return beacon{}, false
	}
	b := beacon{ID: fields[1], Port: port, Name: fields[1]}
	if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
		b.Name = strings.TrimSpace(fields[3])
	}
	return b, true
}

type seed struct {
	ID   string
	Addr string
}

// parseSeed reads an id@host:port entry.
func parseSeed(entry string) (seed, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(entry), "@")
	if !ok || id == "" {
		return seed{}, fmt.Errorf("p2p: seed %q is not id@host:port", entry)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return seed{}, fmt.Errorf("p2p: seed %q: %w", entry, err)
	}
	return seed{ID: id, Addr: addr}, nil
}
