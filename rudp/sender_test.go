package rudp

import (
	"bytes"
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kasader/rudpft/pkg/wire"
)

type transfer struct {
	report  SendReport
	sendErr error
	payload []byte
	recvErr error
	sender  *Sender
	recv    *Receiver
}

// runTransfer pushes payload from a Sender on srvConn to a Receiver on
// cliConn and waits for both sides to finish.
func runTransfer(t *testing.T, payload []byte, scfg, rcfg Config, srvConn, cliConn *memConn) transfer {
	t.Helper()
	segs, err := Segment(payload, scfg.SegmentSize)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSender(srvConn, cliConn.addr, segs, scfg)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReceiver(cliConn, srvConn.addr, rcfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res := transfer{sender: s, recv: r}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.report, res.sendErr = s.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		res.payload, res.recvErr = r.Run(ctx)
	}()
	wg.Wait()
	return res
}

func kinds(sent [][]byte) []string {
	var out []string
	for _, b := range sent {
		switch wire.Probe(b) {
		case wire.KindSegment:
			seg, _ := wire.DecodeSegment(b)
			out = append(out, "seg"+string(rune('0'+seg.Seq)))
		case wire.KindAck:
			seq, _ := wire.DecodeAck(b)
			out = append(out, "ack"+string(rune('0'+seq)))
		default:
			out = append(out, wire.Probe(b).String())
		}
	}
	return out
}

func TestTransferScenario(t *testing.T) {
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	cfg := testConfig()
	cfg.SegmentSize = 1024
	cfg.WindowSize = 2
	cfg.RetransmitTimeout = time.Second

	srv, cli := newPipe("server", "client")
	res := runTransfer(t, payload, cfg, cfg, srv, cli)

	if res.sendErr != nil || res.recvErr != nil {
		t.Fatalf("send err %v, recv err %v", res.sendErr, res.recvErr)
	}
	if !bytes.Equal(res.payload, payload) {
		t.Fatalf("reassembled %d bytes, not identical to the %d byte payload", len(res.payload), len(payload))
	}
	if res.recv.Delivered() != 3 {
		t.Errorf("delivered = %d, want 3", res.recv.Delivered())
	}
	if res.report.Segments != 3 || res.report.Retransmissions != 0 || !res.report.EOFConfirmed {
		t.Errorf("report = %+v", res.report)
	}
	if got, want := kinds(srv.Sent()), []string{"seg0", "seg1", "seg2", "EOF"}; !slices.Equal(got, want) {
		t.Errorf("sender wrote %v, want %v", got, want)
	}
	if got, want := kinds(cli.Sent()), []string{"ack0", "ack1", "ack2", "ACK_EOF", "ACK_EOF", "ACK_EOF"}; !slices.Equal(got, want) {
		t.Errorf("receiver wrote %v, want %v", got, want)
	}
	if res.sender.State() != Done {
		t.Errorf("sender state = %v, want %v", res.sender.State(), Done)
	}

	sizes := []int{}
	segs, _ := Segment(payload, 1024)
	for _, s := range segs {
		sizes = append(sizes, len(s.Data))
	}
	if !slices.Equal(sizes, []int{1024, 1024, 452}) {
		t.Errorf("segment sizes = %v", sizes)
	}
}

func TestTransferLossSimulation(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 250)
	cfg := testConfig()
	cfg.SegmentSize = 1024
	cfg.WindowSize = 2
	cfg.RetransmitTimeout = 50 * time.Millisecond
	rcfg := cfg
	rcfg.DropSeqs = []uint32{1}

	srv, cli := newPipe("server", "client")
	res := runTransfer(t, payload, cfg, rcfg, srv, cli)

	if res.sendErr != nil || res.recvErr != nil {
		t.Fatalf("send err %v, recv err %v", res.sendErr, res.recvErr)
	}
	if !bytes.Equal(res.payload, payload) {
		t.Fatal("payload mismatch after loss simulation")
	}
	if res.report.Retransmissions != 1 {
		t.Errorf("retransmissions = %d, want 1", res.report.Retransmissions)
	}
	seg1 := 0
	for _, k := range kinds(srv.Sent()) {
		if k == "seg1" {
			seg1++
		}
	}
	if seg1 != 2 {
		t.Errorf("segment 1 sent %d times, want 2", seg1)
	}
	if got := acksOf(t, cli.Sent()); slices.Index(got, 1) < 0 {
		t.Errorf("segment 1 never acknowledged: %v", got)
	}
}

func TestSenderAbortsAfterMaxRetransmissions(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 2
	cfg.MaxRetransmissions = 3
	cfg.RetransmitTimeout = 30 * time.Millisecond
	cfg.AckWait = 5 * time.Millisecond

	srv, _ := newPipe("server", "client")
	segs, _ := Segment(bytes.Repeat([]byte("a"), 64), cfg.SegmentSize)
	s, err := NewSender(srv, memAddr("client"), segs, cfg)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = s.Run(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransferError, got %T", err)
	}
	if te.Base != 0 || te.Attempts != 3 || !slices.Equal(te.Outstanding, []uint32{0, 1}) {
		t.Errorf("diagnostic = %+v", te)
	}
	if s.State() != Aborted {
		t.Errorf("state = %v, want %v", s.State(), Aborted)
	}
	seg0 := 0
	for _, k := range kinds(srv.Sent()) {
		if k == "seg0" {
			seg0++
		}
	}
	if seg0 != 3 {
		t.Errorf("segment 0 sent %d times, want 3", seg0)
	}
	if limit := 3*cfg.RetransmitTimeout + 250*time.Millisecond; elapsed > limit {
		t.Errorf("abort took %v, want under %v", elapsed, limit)
	}
}

func TestSenderIgnoresUnexpectedAddress(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetransmissions = 2
	cfg.RetransmitTimeout = 20 * time.Millisecond

	srv, _ := newPipe("server", "client")
	segs, _ := Segment([]byte("tiny"), cfg.SegmentSize)
	s, err := NewSender(srv, memAddr("client"), segs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	inject(srv, "intruder", wire.EncodeAck(0))

	_, err = s.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("ack from intruder advanced the window: %v", err)
	}
}

func TestSenderIgnoresAckOutsideWindow(t *testing.T) {
	cfg := testConfig()
	srv, _ := newPipe("server", "client")
	segs, _ := Segment(bytes.Repeat([]byte("b"), 64), cfg.SegmentSize)
	s, err := NewSender(srv, memAddr("client"), segs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.admit()
	s.ack(9)
	s.ack(1)
	if s.Base() != 0 {
		t.Fatalf("base = %d after acking 1 only, want 0", s.Base())
	}
	s.ack(0)
	if s.Base() != 2 {
		t.Errorf("base = %d after acking 0, want 2", s.Base())
	}
	s.ack(0)
	if s.Base() != 2 {
		t.Errorf("duplicate ack moved base to %d", s.Base())
	}
}

func TestSenderEOFUnconfirmed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetransmissions = 3
	cfg.RetransmitTimeout = 20 * time.Millisecond

	srv, cli := newPipe("server", "client")
	cli.setFilter(func(b []byte) [][]byte {
		if bytes.Equal(b, wire.EOFAck) {
			return nil
		}
		return [][]byte{b}
	})
	payload := []byte("delivered but never closed")
	res := runTransfer(t, payload, cfg, cfg, srv, cli)

	if res.sendErr != nil {
		t.Fatalf("unconfirmed EOF failed the transfer: %v", res.sendErr)
	}
	if res.report.EOFConfirmed || res.report.EOFAttempts != 3 {
		t.Errorf("report = %+v, want 3 unconfirmed EOF attempts", res.report)
	}
	if !bytes.Equal(res.payload, payload) {
		t.Errorf("payload = %q", res.payload)
	}
}

func TestSenderTransportFailure(t *testing.T) {
	cfg := testConfig()
	srv, _ := newPipe("server", "client")
	srv.writeErr = errors.New("network is unreachable")

	segs, _ := Segment([]byte("data"), cfg.SegmentSize)
	s, err := NewSender(srv, memAddr("client"), segs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Run(context.Background())
	if err == nil || errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if s.State() != Aborted {
		t.Errorf("state = %v, want %v", s.State(), Aborted)
	}
}

func TestSenderEmptyPayload(t *testing.T) {
	cfg := testConfig()
	srv, cli := newPipe("server", "client")
	res := runTransfer(t, nil, cfg, cfg, srv, cli)
	if res.sendErr != nil || res.recvErr != nil {
		t.Fatalf("send err %v, recv err %v", res.sendErr, res.recvErr)
	}
	if len(res.payload) != 0 || !res.report.EOFConfirmed {
		t.Errorf("payload %q, report %+v", res.payload, res.report)
	}
}

func TestSenderContextCancel(t *testing.T) {
	cfg := testConfig()
	srv, _ := newPipe("server", "client")
	segs, _ := Segment(bytes.Repeat([]byte("c"), 64), cfg.SegmentSize)
	s, err := NewSender(srv, memAddr("client"), segs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// lossy returns a filter that drops, duplicates and, when corrupt is set,
// damages datagrams using a seeded generator.
func lossy(seed uint64, corrupt bool) func(b []byte) [][]byte {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(b []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		switch p := rng.Float64(); {
		case p < 0.15:
			return nil
		case p < 0.25:
			return [][]byte{b, bytes.Clone(b)}
		case corrupt && p < 0.35 && wire.Probe(b) == wire.KindSegment:
			bad := bytes.Clone(b)
			bad[len(bad)-1] ^= 0xff
			return [][]byte{bad}
		}
		return [][]byte{b}
	}
}

func TestTransferOverLossyChannel(t *testing.T) {
	payload := make([]byte, 40*1024+123)
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range payload {
		payload[i] = byte(rng.IntN(256))
	}

	cfg := testConfig()
	cfg.SegmentSize = 512
	cfg.WindowSize = 8
	cfg.AckWait = 2 * time.Millisecond
	cfg.RetransmitTimeout = 20 * time.Millisecond
	cfg.MaxRetransmissions = 30
	cfg.ReceiveTimeout = 300 * time.Millisecond
	cfg.MaxTimeouts = 10

	srv, cli := newPipe("server", "client")
	srv.setFilter(lossy(1, true))
	cli.setFilter(lossy(2, false))
	jitter := rand.New(rand.NewPCG(3, 5))
	var jmu sync.Mutex
	srv.delay = func() time.Duration {
		jmu.Lock()
		defer jmu.Unlock()
		return time.Duration(jitter.IntN(3)) * time.Millisecond
	}

	res := runTransfer(t, payload, cfg, cfg, srv, cli)
	if res.sendErr != nil || res.recvErr != nil {
		t.Fatalf("send err %v, recv err %v", res.sendErr, res.recvErr)
	}
	if !bytes.Equal(res.payload, payload) {
		t.Fatal("payload mismatch over lossy channel")
	}
	if res.report.Retransmissions == 0 {
		t.Error("lossy channel caused no retransmissions")
	}
}
