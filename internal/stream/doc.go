// Package stream implements the real-time market-data streaming client.
//
// The client owns one persistent WebSocket connection to the feed. It:
//   - authenticates with an API key/secret pair after the transport opens
//   - tracks desired channel→symbol subscriptions and sends minimal deltas
//   - replays the full subscription set after every reconnect
//   - detects silently-dead connections with a staleness heartbeat
//   - recovers from unexpected closes with capped exponential backoff
//
// All connection state, timers, and inbound frames are serialized through a
// single run-loop goroutine; callers communicate with the loop through a
// command mailbox. Network failures never surface from public methods — they
// are emitted as events on the client's bus.
package stream
