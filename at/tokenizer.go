package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing module output. It uses the signature of
// bufio.SplitFunc so it can be directly used with bufio.Scanner, and it is
// also called directly by the ingress pipeline which feeds bytes as they
// arrive.
//
// It splits the input by CRLF line endings. A bare CR or LF terminator is
// accepted as well, since some firmware versions emit "\r" after the
// start-up banner.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		// Swallow the LF of a CRLF pair together with the CR.
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[0:i], nil
				}
				return i + 1, data[0:i], nil
			}
			if !atEOF {
				// Need one more byte to know whether LF follows.
				return 0, nil, nil
			}
		}
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a single line of module output.
func Classify(line string) ResponseType {
	// Direct matches for final results
	switch line {
	case OK, ERROR:
		return TypeFinal
	case UrcStartUp:
		return TypeURC
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError):
		return TypeFinal
	case isURC(line):
		return TypeURC
	default:
		return TypeData
	}
}

var urcPrefixes = []string{
	UrcPeerConnected,
	UrcPeerDisconnected,
	UrcWifiLinkUp,
	UrcWifiLinkDown,
	UrcWifiAPUp,
	UrcWifiAPDown,
	UrcNetworkUp,
	UrcNetworkDown,
	UrcNetworkError,
	UrcPingError,
	UrcPing,
	UrcData,
}

func isURC(line string) bool {
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
