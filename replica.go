package corelog

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// replica drives eager sequential synchronization of one Core over one
// channel. Entries are pulled strictly in order: each verified append
// immediately requests the next index, so a fresh reader streams the whole
// log with one outstanding request at a time.
type replica struct {
	core *Core
	log  logrus.FieldLogger
	send func(Message) error

	// remoteLength is a lower bound on the peer's log length, inferred
	// from the indexes it requests.
	remoteLength uint32
	// pending maps outstanding request indexes to the time they were sent.
	pending map[uint32]time.Time
}

func newReplica(core *Core, log logrus.FieldLogger, send func(Message) error) *replica {
	return &replica{
		core:    core,
		log:     log,
		send:    send,
		pending: make(map[uint32]time.Time),
	}
}

// request asks the peer for the entry at index and records it as pending.
func (r *replica) request(index uint32) error {
	if _, outstanding := r.pending[index]; outstanding {
		return nil
	}
	if err := r.send(Request{Index: index}); err != nil {
		return err
	}
	r.pending[index] = time.Now()
	return nil
}

// onOpen starts synchronization once both sides have opened the channel:
// ask for the first entry we do not have.
func (r *replica) onOpen() error {
	return r.request(r.core.Len())
}

// onRequest serves an entry we hold, or notes how far ahead the peer is.
// A request for index i implies the peer holds entries 0..i-1.
func (r *replica) onRequest(m Request) error {
	if m.Index > r.remoteLength {
		r.remoteLength = m.Index
	}
	length := r.core.Len()
	if m.Index >= length {
		// Nothing to serve. If the peer is ahead of us and we are idle,
		// counter-request what we are missing.
		if r.remoteLength > length && len(r.pending) == 0 {
			return r.request(length)
		}
		return nil
	}
	data, sig, err := r.core.Get(m.Index)
	if err != nil {
		return err
	}
	return r.send(Data{
		Index:         m.Index,
		Data:          data,
		DataSignature: sig.Data,
		TreeSignature: sig.Tree,
	})
}

// onData verifies and appends a received entry. Duplicates are ignored;
// entries past the next expected index cannot be verified yet, so the next
// needed index is re-requested instead. A verification failure propagates
// to the caller, which tears the channel down.
func (r *replica) onData(m Data) error {
	delete(r.pending, m.Index)

	length := r.core.Len()
	switch {
	case m.Index < length:
		r.log.WithField("index", m.Index).Debug("duplicate entry, ignoring")
		return nil
	case m.Index > length:
		r.log.WithFields(logrus.Fields{
			"index": m.Index,
			"want":  length,
		}).Debug("entry ahead of log, re-requesting")
		return r.request(length)
	}

	err := r.core.AppendVerified(m.Data, BlockSignature{
		Data: m.DataSignature,
		Tree: m.TreeSignature,
	})
	if err != nil {
		if errors.Is(err, ErrVerification) {
			return fmt.Errorf("entry %d: %w", m.Index, err)
		}
		return err
	}
	return r.request(length + 1)
}

// onClose logs when the peer goes away while known to hold entries we have
// not fetched yet.
func (r *replica) onClose() {
	if length := r.core.Len(); r.remoteLength > length {
		r.log.WithFields(logrus.Fields{
			"have":   length,
			"remote": r.remoteLength,
		}).Warn("channel closed before synchronization finished")
	}
}

// stalled returns the pending request indexes older than age.
func (r *replica) stalled(age time.Duration, now time.Time) []uint32 {
	var out []uint32
	for index, sent := range r.pending {
		if now.Sub(sent) >= age {
			out = append(out, index)
		}
	}
	return out
}

// retry re-sends a pending request, refreshing its timestamp.
func (r *replica) retry(index uint32) error {
	if err := r.send(Request{Index: index}); err != nil {
		return err
	}
	r.pending[index] = time.Now()
	return nil
}
