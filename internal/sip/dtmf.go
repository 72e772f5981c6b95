package sip

import (
	"errors"
	"strconv"
	"strings"
)

// Some endpoints signal DTMF via SIP INFO instead of in-band RFC 2833
// telephone-event. Two body formats are common:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5

// dtmfInfo is a DTMF digit received via SIP INFO.
type dtmfInfo struct {
	Signal   string // "0"-"9", "*", "#", "A"-"D"
	Duration int    // milliseconds, 0 if not specified
}

// errInvalidDTMFInfo is returned when an INFO body cannot be parsed as DTMF.
var errInvalidDTMFInfo = errors.New("invalid dtmf info body")

// validDTMFSignals is the set of valid DTMF signal characters.
var validDTMFSignals = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true,
	"A": true, "B": true, "C": true, "D": true,
}

// parseInfoDTMF parses DTMF from a SIP INFO body based on the Content-Type
// header. Returns errInvalidDTMFInfo for unsupported content types and
// malformed bodies.
func parseInfoDTMF(contentType string, body []byte) (*dtmfInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	// Strip any parameters (e.g., charset).
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return parseDTMFRelay(body)
	case "application/dtmf":
		return parseDTMFDigit(body)
	default:
		return nil, errInvalidDTMFInfo
	}
}

// parseDTMFRelay parses the application/dtmf-relay format:
//
//	Signal=<digit>\r\nDuration=<ms>\r\n
//
// Signal is required. Duration defaults to 0 if missing or unparseable.
func parseDTMFRelay(body []byte) (*dtmfInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, errInvalidDTMFInfo
	}

	info := &dtmfInfo{}
	foundSignal := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validDTMFSignals[sig] {
				return nil, errInvalidDTMFInfo
			}
			info.Signal = sig
			foundSignal = true
		case "duration":
			d, err := strconv.Atoi(value)
			if err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}

	if !foundSignal {
		return nil, errInvalidDTMFInfo
	}
	return info, nil
}

// parseDTMFDigit parses the application/dtmf format: a bare digit.
func parseDTMFDigit(body []byte) (*dtmfInfo, error) {
	sig := strings.ToUpper(strings.TrimSpace(string(body)))
	if !validDTMFSignals[sig] {
		return nil, errInvalidDTMFInfo
	}
	return &dtmfInfo{Signal: sig}, nil
}
