// Package manager owns the set of known headbands. It discovers them, keeps
// their links alive, and toggles EEG streaming per device. It feeds every
// completed chunk to a Publisher, normally a bridge.Client.
//
// One Manager is constructed by the composition root and passed by reference.
// Nothing in this package is global.
package manager
