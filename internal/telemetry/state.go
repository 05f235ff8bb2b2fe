package telemetry

import (
	"sync"
	"time"
)

type channelState struct {
	lastValue    float64
	silenceStart time.Time
	threshold    time.Duration
	decayStage   int
}

// ChannelSnapshot is a copy of one channel's watchdog bookkeeping.
type ChannelSnapshot struct {
	Channel      Channel
	LastValue    float64
	SilenceStart time.Time
	Threshold    time.Duration
	DecayStage   int
}

// State holds the last genuine reading and silence bookkeeping for every
// channel. All fields of a channel are read and written together under mu.
type State struct {
	mu       sync.Mutex
	channels [NumChannels]channelState
}

// NewState returns a State with every channel at the stopped sentinel and
// its silence clock starting at now.
func NewState(now time.Time) *State {
	s := &State{}
	for i := range s.channels {
		s.channels[i] = channelState{
			lastValue:    StoppedMPR,
			silenceStart: now,
			threshold:    RelaxedTimeout,
		}
	}
	return s
}

// Record folds a genuine reading into the state, resetting the channel's
// silence clock, threshold and decay stage.
func (s *State) Record(r Reading) {
	if r.Channel < 0 || int(r.Channel) >= NumChannels {
		return
	}
	s.mu.Lock()
	s.channels[r.Channel] = channelState{
		lastValue:    r.MPR,
		silenceStart: r.Time,
		threshold:    RelaxedTimeout,
	}
	s.mu.Unlock()
}

// Tick runs one watchdog poll at now and returns the synthetic readings for
// channels that have been silent past their threshold, in channel order.
func (s *State) Tick(now time.Time) []Reading {
	var out []Reading

	s.mu.Lock()
	for _, ch := range Channels {
		cs := &s.channels[ch]
		if now.Sub(cs.silenceStart) <= cs.threshold {
			continue
		}
		cs.decayStage++
		out = append(out, Reading{
			Channel:   ch,
			MPR:       DecayValue(cs.lastValue, cs.decayStage),
			Time:      now,
			Synthetic: true,
		})
		cs.silenceStart = now
		cs.threshold = DecayTimeout
	}
	s.mu.Unlock()

	return out
}

// Snapshot returns a copy of every channel's bookkeeping.
func (s *State) Snapshot() [NumChannels]ChannelSnapshot {
	var out [NumChannels]ChannelSnapshot
	s.mu.Lock()
	for _, ch := range Channels {
		cs := s.channels[ch]
		out[ch] = ChannelSnapshot{
			Channel:      ch,
			LastValue:    cs.lastValue,
			SilenceStart: cs.silenceStart,
			Threshold:    cs.threshold,
			DecayStage:   cs.decayStage,
		}
	}
	s.mu.Unlock()
	return out
}
