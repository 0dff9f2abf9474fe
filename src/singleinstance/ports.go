package singleinstance

import (
	"os"
	"strconv"
)

const (
	PortStartEnvVar = "INSPECTOR_PORT_START"
	PortEndEnvVar   = "INSPECTOR_PORT_END"

	defaultPortStart = 49600
	defaultPortEnd   = 49650

	minPort = 1024
	maxPort = 65535
)

// PortRange returns the inclusive TCP port range the resident may listen on.
// Unset or unparsable variables keep their default; the result is clamped to
// unprivileged ports and a reversed range is swapped.
func PortRange() (start, end int) {
	start = envPort(PortStartEnvVar, defaultPortStart)
	end = envPort(PortEndEnvVar, defaultPortEnd)
	start, end = max(start, minPort), min(end, maxPort)
	if end < start {
		start, end = end, start
	}
	return start, end
}

func envPort(name string, def int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return n
}
