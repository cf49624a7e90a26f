package ssenotify

import (
	"fmt"
	"regexp"
)

// MaxChannelLen is the longest channel name accepted. Postgres truncates
// identifiers beyond 63 bytes, so a longer name would LISTEN on a
// different channel than the one configured.
const MaxChannelLen = 63

var channelRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Channel is a validated upstream channel name, safe to embed in a
// LISTEN statement.
type Channel string

func (c Channel) String() string { return string(c) }

// ChannelNameError reports a channel name that failed validation. It is
// fatal to broker construction.
type ChannelNameError struct {
	Name   string
	Reason string
}

func (e *ChannelNameError) Error() string {
	return fmt.Sprintf("ssenotify: invalid channel %q: %s", e.Name, e.Reason)
}

// ValidateChannel checks name against the allowlist [A-Za-z0-9_-]{1,63}.
func ValidateChannel(name string) (Channel, error) {
	switch {
	case name == "":
		return "", &ChannelNameError{Name: name, Reason: "empty"}
	case len(name) > MaxChannelLen:
		return "", &ChannelNameError{Name: name, Reason: fmt.Sprintf("longer than %d bytes", MaxChannelLen)}
	case !channelRE.MatchString(name):
		return "", &ChannelNameError{Name: name, Reason: "allowed characters are [A-Za-z0-9_-]"}
	}
	return Channel(name), nil
}

func validateChannels(names []string) ([]Channel, error) {
	if len(names) == 0 {
		return nil, &ChannelNameError{Reason: "no channels configured"}
	}
	seen := make(map[Channel]struct{}, len(names))
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		ch, err := ValidateChannel(n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out, nil
}
