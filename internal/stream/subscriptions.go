package stream

import "sort"

// subscriptions is the declarative channel→symbol ledger. It records what
// should be subscribed regardless of whether the transport is currently up;
// a dropped connection never clears it. Only explicit unsubscribe calls (or
// client teardown) remove entries.
//
// It is mutated exclusively from the client run loop, so it needs no
// locking of its own.
type subscriptions struct {
	channels map[string]map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		channels: make(map[string]map[string]struct{}),
	}
}

// add records symbols under channel and returns only the symbols that were
// not already tracked, sorted. An empty result means the caller should send
// no command.
func (s *subscriptions) add(channel string, symbols []string) []string {
	set := s.channels[channel]
	if set == nil {
		set = make(map[string]struct{})
		s.channels[channel] = set
	}

	var added []string
	for _, sym := range symbols {
		if _, ok := set[sym]; ok {
			continue
		}
		set[sym] = struct{}{}
		added = append(added, sym)
	}
	sort.Strings(added)
	return added
}

// remove drops symbols from channel and returns only the symbols that were
// actually tracked, sorted.
func (s *subscriptions) remove(channel string, symbols []string) []string {
	set := s.channels[channel]
	if set == nil {
		return nil
	}

	var removed []string
	for _, sym := range symbols {
		if _, ok := set[sym]; !ok {
			continue
		}
		delete(set, sym)
		removed = append(removed, sym)
	}
	if len(set) == 0 {
		delete(s.channels, channel)
	}
	sort.Strings(removed)
	return removed
}

// snapshot returns every channel that currently tracks at least one symbol,
// with sorted symbol lists. Used to replay the full subscription state after
// a reconnect; it never mutates the ledger.
func (s *subscriptions) snapshot() map[string][]string {
	out := make(map[string][]string, len(s.channels))
	for channel, set := range s.channels {
		if len(set) == 0 {
			continue
		}
		symbols := make([]string, 0, len(set))
		for sym := range set {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		out[channel] = symbols
	}
	return out
}

// count returns the total number of tracked channel/symbol pairs.
func (s *subscriptions) count() int {
	n := 0
	for _, set := range s.channels {
		n += len(set)
	}
	return n
}

// clear empties the ledger. Called only on client teardown.
func (s *subscriptions) clear() {
	s.channels = make(map[string]map[string]struct{})
}
