// Package transport implements the UDP socket shared by both directions of the
// voice link: best-effort sends to the single peer, bounded receives, and the
// dedicated receive task that feeds the playback queue.
package transport
