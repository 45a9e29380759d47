// Package wamp implements a signal.Transport over WAMP publish/subscribe.
//
// Each channel maps to one WAMP topic, built from a configurable prefix and a
// sanitized version of the channel id. Envelopes are published as a single
// string argument holding their JSON encoding. Any WAMP router works; the
// transport only needs anonymous access to a realm.
//
// If a cert.pem file is configured, the client trusts it when dialing the
// router over TLS. Otherwise it relies on the platform's trusted
// certificates. There is also an option to skip certificate verification,
// which should only be used for testing.
package wamp

import (
	"regexp"
	"strings"
)

// Name is the name under which the transport registers
const Name = "wamp"

var unsafeTopicChars = regexp.MustCompile(`[^a-z0-9_]`)

// Topic returns the WAMP topic of a channel. Channel ids are lowercased and
// every character that is not allowed in a URI component becomes an
// underscore.
func Topic(prefix, channelID string) string {
	component := unsafeTopicChars.ReplaceAllString(strings.ToLower(channelID), "_")
	return prefix + "." + component
}
