// Package dispatch schedules packet decodes.
//
// The Switch receives datagrams from a transport, runs decoders on a worker
// pool and keeps decoders that are waiting for an identity in a pending
// arena indexed by the awaited address. WHOIS requests for missing
// identities go to the best supernode, de-duplicated per address and
// globally rate limited. Parked decodes older than the decode TTL are
// discarded by the periodic sweep.
package dispatch
