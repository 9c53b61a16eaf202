// Package multicast keeps the multicast group subscriptions peers announce
// with MULTICAST_LIKE and filters duplicate multicast frames.
package multicast
