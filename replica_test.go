package corelog

import (
	"testing"
	"time"
)

// messageCollector records everything a replica tries to send.
type messageCollector struct {
	sent []Message
}

func (c *messageCollector) send(m Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func (c *messageCollector) take() []Message {
	out := c.sent
	c.sent = nil
	return out
}

func replicaFixture(t *testing.T, entries int) (*replica, *Core, *messageCollector) {
	t.Helper()
	pub, sec, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}
	writer := newCoreStores().open(t, pub, sec)
	for i := 0; i < entries; i++ {
		if _, err := writer.Append([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	col := &messageCollector{}
	return newReplica(writer, quietLogger(), col.send), writer, col
}

func dataFor(t *testing.T, c *Core, index uint32) Data {
	t.Helper()
	data, sig, err := c.Get(index)
	if err != nil {
		t.Fatal(err)
	}
	return Data{Index: index, Data: data, DataSignature: sig.Data, TreeSignature: sig.Tree}
}

func TestReplicaOpenRequestsOwnLength(t *testing.T) {
	r, _, col := replicaFixture(t, 3)
	if err := r.onOpen(); err != nil {
		t.Fatal(err)
	}
	sent := col.take()
	if len(sent) != 1 || sent[0] != (Request{Index: 3}) {
		t.Errorf("sent %v, want [Request{3}]", sent)
	}
}

func TestReplicaServesHeldEntries(t *testing.T) {
	r, writer, col := replicaFixture(t, 2)
	if err := r.onRequest(Request{Index: 1}); err != nil {
		t.Fatal(err)
	}
	sent := col.take()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages", len(sent))
	}
	d, ok := sent[0].(Data)
	if !ok || d.Index != 1 {
		t.Fatalf("sent %+v", sent[0])
	}
	want, _, _ := writer.Get(1)
	if string(d.Data) != string(want) {
		t.Errorf("data = %v, want %v", d.Data, want)
	}
}

func TestReplicaIgnoresRequestPastEnd(t *testing.T) {
	// A request beyond the log must never fabricate Data. With nothing
	// pending it may counter-request what this side is missing.
	r, _, col := replicaFixture(t, 2)
	if err := r.onRequest(Request{Index: 5}); err != nil {
		t.Fatal(err)
	}
	for _, m := range col.take() {
		if _, isData := m.(Data); isData {
			t.Fatalf("fabricated %+v for out-of-range request", m)
		}
	}
	if r.remoteLength != 5 {
		t.Errorf("remoteLength = %d, want 5", r.remoteLength)
	}
}

func TestReplicaAppendsInOrder(t *testing.T) {
	source, _, _ := replicaFixture(t, 3)
	col := &messageCollector{}
	reader := newCoreStores().open(t, source.core.PublicKey(), nil)
	r := newReplica(reader, quietLogger(), col.send)

	for i := uint32(0); i < 3; i++ {
		if err := r.onData(dataFor(t, source.core, i)); err != nil {
			t.Fatalf("data %d: %v", i, err)
		}
		sent := col.take()
		if len(sent) != 1 || sent[0] != (Request{Index: i + 1}) {
			t.Errorf("after data %d sent %v, want [Request{%d}]", i, sent, i+1)
		}
	}
	if reader.Len() != 3 {
		t.Errorf("reader Len = %d", reader.Len())
	}
}

func TestReplicaDuplicateDataIsIdempotent(t *testing.T) {
	source, _, _ := replicaFixture(t, 2)
	col := &messageCollector{}
	reader := newCoreStores().open(t, source.core.PublicKey(), nil)
	r := newReplica(reader, quietLogger(), col.send)

	if err := r.onData(dataFor(t, source.core, 0)); err != nil {
		t.Fatal(err)
	}
	col.take()
	sigAfterFirst, _ := reader.RootSignature()

	if err := r.onData(dataFor(t, source.core, 0)); err != nil {
		t.Fatal(err)
	}
	if reader.Len() != 1 {
		t.Errorf("duplicate changed length to %d", reader.Len())
	}
	sigAfterDup, _ := reader.RootSignature()
	if string(sigAfterFirst) != string(sigAfterDup) {
		t.Error("duplicate changed the root signature")
	}
	for _, m := range col.take() {
		if _, isData := m.(Data); isData {
			t.Errorf("duplicate triggered %+v", m)
		}
	}
}

func TestReplicaReRequestsOnGap(t *testing.T) {
	source, _, _ := replicaFixture(t, 3)
	col := &messageCollector{}
	reader := newCoreStores().open(t, source.core.PublicKey(), nil)
	r := newReplica(reader, quietLogger(), col.send)

	// Entry 2 cannot be verified before 0 and 1; the replica asks for what
	// it actually needs instead.
	if err := r.onData(dataFor(t, source.core, 2)); err != nil {
		t.Fatal(err)
	}
	if reader.Len() != 0 {
		t.Errorf("out-of-order data landed, Len = %d", reader.Len())
	}
	sent := col.take()
	if len(sent) != 1 || sent[0] != (Request{Index: 0}) {
		t.Errorf("sent %v, want [Request{0}]", sent)
	}
}

func TestReplicaStalledAndRetry(t *testing.T) {
	r, _, col := replicaFixture(t, 1)
	if err := r.request(1); err != nil {
		t.Fatal(err)
	}
	col.take()

	if got := r.stalled(time.Hour, time.Now()); len(got) != 0 {
		t.Errorf("stalled(hour) = %v", got)
	}
	got := r.stalled(0, time.Now().Add(time.Second))
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("stalled(0) = %v", got)
	}

	// A pending index is not re-sent by request, only by retry.
	if err := r.request(1); err != nil {
		t.Fatal(err)
	}
	if sent := col.take(); len(sent) != 0 {
		t.Errorf("duplicate request sent %v", sent)
	}
	if err := r.retry(1); err != nil {
		t.Fatal(err)
	}
	if sent := col.take(); len(sent) != 1 {
		t.Errorf("retry sent %v", sent)
	}
}
