package detector

import "math"

// PeerState is the heartbeat history and verdict for one peer.
type PeerState struct {
	PeerID           uint64
	LastHeartbeatNs  uint64
	HeartbeatCount   uint64
	MissCount        uint32
	PayloadVersion   uint64
	Phi              float64
	Status           Status
	SuspectThreshold float64
	FailThreshold    float64

	intervals *window
}

// Intervals returns the retained inter-arrival intervals, oldest first.
func (p PeerState) Intervals() []uint64 {
	if p.intervals == nil {
		return nil
	}
	return p.intervals.values()
}

// window is a fixed-capacity FIFO of inter-arrival intervals.
type window struct {
	buf   []uint64
	head  int
	count int
}

func newWindow(size int) *window {
	return &window{buf: make([]uint64, size)}
}

func (w *window) push(v uint64) {
	var idx = (w.head + w.count) % len(w.buf)
	if w.count == len(w.buf) {
		w.buf[w.head] = v
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[idx] = v
	w.count++
}

func (w *window) len() int {
	return w.count
}

func (w *window) values() []uint64 {
	var out = make([]uint64, 0, w.count)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(w.head+i)%len(w.buf)])
	}
	return out
}

func (w *window) clone() *window {
	var c = &window{buf: make([]uint64, len(w.buf)), head: w.head, count: w.count}
	copy(c.buf, w.buf)
	return c
}

// meanStdDev returns the population mean and standard deviation.
func (w *window) meanStdDev() (float64, float64) {
	if w.count == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += float64(w.buf[(w.head+i)%len(w.buf)])
	}
	var mean = sum / float64(w.count)

	var sq float64
	for i := 0; i < w.count; i++ {
		var d = float64(w.buf[(w.head+i)%len(w.buf)]) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(w.count))
}
