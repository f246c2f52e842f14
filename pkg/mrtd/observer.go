package mrtd

import "time"

// Observer receives pipeline events, typically to feed metrics. Calls are
// made from the reading goroutine and must not block.
type Observer interface {
	ChannelEstablished(p Protocol)
	FileRead(name string, bytes int)
	ChipAuthenticated(ok bool)
	PassiveAuthenticated(ok bool)
	ReadFinished(err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ChannelEstablished(Protocol)       {}
func (nopObserver) FileRead(string, int)              {}
func (nopObserver) ChipAuthenticated(bool)            {}
func (nopObserver) PassiveAuthenticated(bool)         {}
func (nopObserver) ReadFinished(error, time.Duration) {}
