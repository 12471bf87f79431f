// Package discovery implements IOTSCP device discovery.
//
// The native mechanism is a UDP multicast search: hosts send a CBOR
// SearchRequest to the well-known group and matching devices answer
// with a unicast SearchResponse carrying their identifier, type URN,
// control URL and capability summary.
//
// # Responder (device side)
//
// A Responder joins the group on every eligible interface and answers
// matching searches. Group membership is refreshed on a timer and
// re-established after socket read errors, so devices stay reachable
// across interface flaps and switch IGMP table resets. Datagrams that
// do not decode are dropped without a reply.
//
// # Finder (host side)
//
// A Finder multicasts a search and collects unicast responses until
// its deadline passes, deduplicating by device identifier. Searches
// can target all devices ("*"), one device type URN, and optionally
// require capabilities through a Filter.
//
// # mDNS announcement
//
// An Announcer additionally publishes the device over DNS-SD as
// _iotscp._tcp with TXT records id, urn and path. This is a
// convenience for generic browsers; the native search protocol stays
// authoritative.
package discovery
