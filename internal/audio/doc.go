// Package audio holds the negotiated stream format and the lock-free queue
// that hands received datagrams from the network task to the playback callback.
package audio
