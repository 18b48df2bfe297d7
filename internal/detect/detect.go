package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/bigbag/iapboot/internal/serial"
)

// listenTimeout is how long a port may stay quiet before probing gives up.
const listenTimeout = 1500 * time.Millisecond

var bannerPattern = regexp.MustCompile(`press '(.)' within (\d+) seconds`)

// Result represents a port with a loader behind it.
type Result struct {
	Port    string
	Key     byte
	Timeout time.Duration
}

// DetectDevice returns the first port whose board prints the loader prompt.
// With reset set, each board is restarted through RTS first.
func DetectDevice(baudRate int, reset bool) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, reset)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no loader found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no loader found")
}

// DetectOnPort checks a specific port.
func DetectOnPort(portName string, baudRate int, reset bool) (*Result, error) {
	return tryPort(portName, baudRate, reset)
}

// ListDevices checks every port and returns those with a loader.
func ListDevices(baudRate int, reset bool) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, reset)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(portName string, baudRate int, reset bool) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if reset {
		if err := port.HardReset(); err != nil {
			return nil, fmt.Errorf("failed to reset: %w", err)
		}
	}

	data, err := port.ReadAll(listenTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}

	res, ok := matchBanner(data)
	if !ok {
		return nil, fmt.Errorf("%s: no loader prompt", portName)
	}
	res.Port = portName
	return res, nil
}

// matchBanner finds the boot prompt in data.
func matchBanner(data []byte) (*Result, bool) {
	m := bannerPattern.FindSubmatch(data)
	if m == nil {
		return nil, false
	}
	secs, err := strconv.Atoi(string(m[2]))
	if err != nil {
		return nil, false
	}
	return &Result{Key: m[1][0], Timeout: time.Duration(secs) * time.Second}, true
}
