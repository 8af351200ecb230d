// Package perf implements the performance accounting pipeline (spec §4.8):
// a process-wide holder that queues finalised invocation counters, a single
// background consumer that rolls them into a per-URI aggregate and forwards
// each one to a configured sink URI.
package perf

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dataspan/gateway/pkg/invocation"
)

// ConsumerWaitInterval is how long the consumer loop blocks on its
// condition variable between drain attempts (spec §4.8: "wait on the
// condition variable with a 2-second timeout"). A package var so tests can
// shrink it.
var ConsumerWaitInterval = 2 * time.Second

// DefaultSoftCap bounds the FIFO so a stalled consumer can't grow memory
// without limit (spec §5's "back-pressure... soft cap; oldest counters are
// dropped").
const DefaultSoftCap = 100000

// Counter records one invocation's timing, result, and identity (spec
// §4.1's perf-aggregate key plus start/end/elapsed/error/msg).
type Counter struct {
	FullURL    string
	RemoteAddr string
	Namespace  string
	Protocol   string
	Refname    string
	Method     string
	StartTime  time.Time
	EndTime    time.Time
	Elapsed    time.Duration
	Error      bool
	Msg        string
}

// Finalize stamps EndTime/Elapsed for a successful call.
func (c *Counter) Finalize() {
	c.EndTime = time.Now()
	c.Elapsed = c.EndTime.Sub(c.StartTime)
}

// FinalizeError stamps EndTime/Elapsed and records the failure message.
func (c *Counter) FinalizeError(err error) {
	c.Finalize()
	c.Error = true
	if err != nil {
		c.Msg = err.Error()
	}
}

// Summary is the rolling per-URI aggregate (spec §4.8's aggregate formulas):
// success_count/failure_count/elapse sums always track every call, while
// min/max/avg only ever consider successful calls.
type Summary struct {
	FullURL        string
	Namespace      string
	Protocol       string
	Refname        string
	Method         string
	SuccessCount   uint64
	FailureCount   uint64
	SuccessElapsed time.Duration
	FailureElapsed time.Duration
	MaxElapsed     time.Duration
	MinElapsed     time.Duration
	AvgElapsed     time.Duration
}

func newSummary(c *Counter) *Summary {
	s := &Summary{
		FullURL:   c.FullURL,
		Namespace: c.Namespace,
		Protocol:  c.Protocol,
		Refname:   c.Refname,
		Method:    c.Method,
	}
	s.calc(c)
	return s
}

func (s *Summary) calc(c *Counter) {
	if c.Error {
		s.FailureCount++
		s.FailureElapsed += c.Elapsed
		return
	}
	s.SuccessCount++
	s.SuccessElapsed += c.Elapsed
	if s.MaxElapsed < c.Elapsed {
		s.MaxElapsed = c.Elapsed
	}
	if s.MinElapsed == 0 || s.MinElapsed > c.Elapsed {
		s.MinElapsed = c.Elapsed
	}
	if s.SuccessCount > 0 {
		s.AvgElapsed = s.SuccessElapsed / time.Duration(s.SuccessCount)
	}
}

// ForwardFunc delivers a finalised counter to the configured consumer URI
// via the dispatcher. Set by the dispatch package at startup to avoid an
// import cycle between pkg/perf and pkg/dispatch.
type ForwardFunc func(ctx context.Context, ic *invocation.Context, uri string, args []any) (any, error)

type reentrantSentinel struct{}

// MarkReentrant flags ic so that a forwarding call through the consumer URI
// does not itself get queued for aggregation (spec §4.8's re-entry guard).
func MarkReentrant(ic *invocation.Context) {
	ic.Inject(reentrantSentinel{})
}

// IsReentrant reports whether ic carries the re-entry sentinel.
func IsReentrant(ic *invocation.Context) bool {
	_, ok := invocation.Obtain[reentrantSentinel](ic)
	return ok
}

// Holder is the process-wide performance-accounting state.
type Holder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Counter
	softCap int
	running bool

	summaryMu sync.RWMutex
	summary   map[string]*Summary

	consumerURI string
	forward     ForwardFunc

	successGauge *prometheus.GaugeVec
	failureGauge *prometheus.GaugeVec
	elapsedGauge *prometheus.GaugeVec
	cpuGauge     prometheus.Gauge
	memGauge     prometheus.Gauge
}

// NewHolder returns a holder with the default soft cap and its own
// prometheus vectors registered into reg (pass prometheus.NewRegistry() in
// tests to avoid colliding with the default registry).
func NewHolder(reg prometheus.Registerer) *Holder {
	h := &Holder{
		softCap: DefaultSoftCap,
		summary: make(map[string]*Summary),
		successGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_invoke_success_total",
			Help: "successful invocations per URI",
		}, []string{"uri"}),
		failureGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_invoke_failure_total",
			Help: "failed invocations per URI",
		}, []string{"uri"}),
		elapsedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_invoke_avg_elapsed_seconds",
			Help: "average successful-call elapsed time per URI",
		}, []string{"uri"}),
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_host_cpu_percent",
			Help: "host CPU utilisation sampled by the performance consumer",
		}),
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_host_mem_percent",
			Help: "host memory utilisation sampled by the performance consumer",
		}),
	}
	h.cond = sync.NewCond(&h.mu)
	if reg != nil {
		reg.MustRegister(h.successGauge, h.failureGauge, h.elapsedGauge, h.cpuGauge, h.memGauge)
	}
	return h
}

// SetConsumer sets the sink URI that every finalised counter is forwarded
// to. An empty URI disables forwarding (aggregates still update).
func (h *Holder) SetConsumer(uri string, forward ForwardFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumerURI = uri
	h.forward = forward
}

// AddCounter pushes c onto the queue and signals the consumer (spec
// §4.8's producer side: "must be non-blocking for the caller").
func (h *Holder) AddCounter(c *Counter) {
	h.mu.Lock()
	h.queue = append(h.queue, c)
	if len(h.queue) > h.softCap {
		h.queue = h.queue[len(h.queue)-h.softCap:]
	}
	h.cond.Signal()
	h.mu.Unlock()
}

func (h *Holder) pop() *Counter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil
	}
	c := h.queue[0]
	h.queue = h.queue[1:]
	return c
}

func (h *Holder) waitForSignal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) > 0 {
		return
	}
	timer := time.AfterFunc(ConsumerWaitInterval, func() {
		h.cond.Broadcast()
	})
	h.cond.Wait()
	timer.Stop()
}

// QueueLen returns the number of counters currently queued.
func (h *Holder) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// GetSummary returns the aggregate for key (spec's full URL), if any.
func (h *Holder) GetSummary(key string) (*Summary, bool) {
	h.summaryMu.RLock()
	defer h.summaryMu.RUnlock()
	s, ok := h.summary[key]
	return s, ok
}

// Summaries returns every tracked aggregate.
func (h *Holder) Summaries() []*Summary {
	h.summaryMu.RLock()
	defer h.summaryMu.RUnlock()
	out := make([]*Summary, 0, len(h.summary))
	for _, s := range h.summary {
		out = append(out, s)
	}
	return out
}

func (h *Holder) updateSummary(c *Counter) *Summary {
	h.summaryMu.Lock()
	defer h.summaryMu.Unlock()
	s, ok := h.summary[c.FullURL]
	if !ok {
		s = newSummary(c)
		h.summary[c.FullURL] = s
	} else {
		s.calc(c)
	}
	return s
}

// Stop marks the holder stopped and signals the consumer loop, which then
// drains whatever is still queued and exits (spec §4.8's shutdown).
func (h *Holder) Stop() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Run is the single consumer task loop (spec §4.8's consumer side). It
// blocks until ctx is cancelled or Stop is called.
func (h *Holder) Run(ctx context.Context) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	for {
		c := h.pop()
		if c == nil {
			h.mu.Lock()
			running := h.running
			h.mu.Unlock()
			if !running {
				return
			}
			h.waitForSignal()
			continue
		}

		summary := h.updateSummary(c)
		h.recordGauges(summary)
		h.sampleHost()
		h.forwardToSink(ctx, c)
	}
}

func (h *Holder) recordGauges(s *Summary) {
	h.successGauge.WithLabelValues(s.FullURL).Set(float64(s.SuccessCount))
	h.failureGauge.WithLabelValues(s.FullURL).Set(float64(s.FailureCount))
	h.elapsedGauge.WithLabelValues(s.FullURL).Set(s.AvgElapsed.Seconds())
}

func (h *Holder) sampleHost() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		h.cpuGauge.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.memGauge.Set(vm.UsedPercent)
	}
}

func (h *Holder) forwardToSink(ctx context.Context, c *Counter) {
	h.mu.Lock()
	uri := h.consumerURI
	forward := h.forward
	h.mu.Unlock()

	if uri == "" || forward == nil {
		return
	}

	ic := invocation.NewTracked()
	MarkReentrant(ic)
	defer ic.Finalize(ctx)

	payload := map[string]any{
		"full_url":    c.FullURL,
		"remote_addr": c.RemoteAddr,
		"namespace":   c.Namespace,
		"protocol":    c.Protocol,
		"refname":     c.Refname,
		"method":      c.Method,
		"start_time":  c.StartTime.UnixMicro(),
		"end_time":    c.EndTime.UnixMicro(),
		"elapse":      c.Elapsed.Microseconds(),
		"error":       c.Error,
		"msg":         c.Msg,
	}

	_, _ = forward(ctx, ic, uri, []any{payload})
}
