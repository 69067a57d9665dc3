// Package bridge carries decoded EEG chunks from the acquisition process to a
// separate sink-host process.
//
// The acquisition side runs a Client: an unbounded FIFO of Messages drained
// over one connection, plus host launch and keep-alive. The host side runs a
// Host: a registry of open streams that reshapes flat chunks and pushes them
// into a sink. Both ends speak length-prefixed JSON envelopes over a local
// Unix domain socket.
package bridge
