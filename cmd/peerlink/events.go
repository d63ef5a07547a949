package main

import "github.com/angelfreak/peerlink/pkg/types"

// multiSink publishes to every sink in order
type multiSink []types.EventSink

func (m multiSink) Publish(event types.SessionEvent) {
	for _, s := range m {
		s.Publish(event)
	}
}

// chanSink hands events to a local reader, dropping when it lags
type chanSink chan types.SessionEvent

func (c chanSink) Publish(event types.SessionEvent) {
	select {
	case c <- event:
	default:
	}
}
