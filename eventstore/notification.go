package eventstore

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FormatStoreUpdated returns the payload of an event store channel
// notification: the stream type and the global sequence number of its last
// appended event.
func FormatStoreUpdated(streamType string, version int64) string {
	return streamType + ":" + strconv.FormatInt(version, 10)
}

// ParseStoreUpdated parses a payload built by FormatStoreUpdated
func ParseStoreUpdated(payload string) (string, int64, error) {
	i := strings.LastIndex(payload, ":")
	if i < 0 {
		return "", 0, errors.Errorf("malformed event store notification %q", payload)
	}
	v, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "malformed event store notification %q", payload)
	}
	return payload[:i], v, nil
}
