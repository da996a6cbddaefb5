// Package metrics is the ambient observability layer named in spec
// §6's debug surface: Prometheus gauges/counters for the allocator,
// scheduler, and compositor, a pprof-serializable snapshot of buddy
// allocator occupancy, and a small gin-served /metrics + /debug/pprof
// HTTP surface for cmd/badgevmsd.
//
// No retrieved example wires a kernel-style allocator's occupancy
// into Prometheus directly; this package follows the gin +
// client_golang + google/pprof pairing named in SPEC_FULL.md §12,
// grounded on the leptonai-gpud manifest's dependency set.
package metrics

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	gpprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/badgevms/badgevms/buddy"
)

// Registry holds every gauge/counter this package exposes, registered
// against its own prometheus.Registry rather than the global default
// — so a process can run more than one Kernel (as the tests do)
// without colliding metric registrations.
type Registry struct {
	reg *prometheus.Registry

	freePages   prometheus.Gauge
	totalPages  prometheus.Gauge
	livePids    prometheus.Gauge
	frameCount  prometheus.Counter
	leakCounter prometheus.Gauge
}

// NewRegistry constructs a Registry with every metric registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		freePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "badgevms_free_pages",
			Help: "Free 64 KiB pages remaining in the PSRAM page pool.",
		}),
		totalPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "badgevms_total_pages",
			Help: "Total 64 KiB pages in the PSRAM page pool.",
		}),
		livePids: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "badgevms_live_pids",
			Help: "Currently scheduled tasks, including the kernel pseudo-task.",
		}),
		frameCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "badgevms_compositor_frames_total",
			Help: "Compositor frame-loop iterations completed.",
		}),
		leakCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "badgevms_resource_contract_violations",
			Help: "Detected double-record/double-free resource tracker contract violations.",
		}),
	}

	reg.MustRegister(m.freePages, m.totalPages, m.livePids, m.frameCount, m.leakCounter)
	return m
}

// SetAllocatorOccupancy updates the free/total page gauges from a
// buddy.Allocator snapshot.
func (m *Registry) SetAllocatorOccupancy(a *buddy.Allocator) {
	m.freePages.Set(float64(a.FreePagesTotal()))
	m.totalPages.Set(float64(a.TotalPages()))
}

// SetLivePids updates the live-task gauge.
func (m *Registry) SetLivePids(n int) { m.livePids.Set(float64(n)) }

// IncFrameCount increments the compositor frame counter by one.
// Compositor.RunOnce does not call it.
func (m *Registry) IncFrameCount() { m.frameCount.Inc() }

// SetContractViolations updates the resource-tracker leak gauge from
// res.ContractViolationCount().
func (m *Registry) SetContractViolations(n int64) { m.leakCounter.Set(float64(n)) }

// Handler returns the registry's /metrics HTTP handler.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Server is the small HTTP surface cmd/badgevmsd serves: Prometheus
// metrics and Go's runtime pprof endpoints, both gin-routed.
type Server struct {
	engine   *gin.Engine
	registry *Registry
}

// NewServer builds the gin engine exposing registry's /metrics and
// the standard /debug/pprof/* endpoints (net/http/pprof's handlers,
// wrapped for gin via gin.WrapH/gin.WrapF).
func NewServer(registry *Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(registry.Handler()))

	debug := engine.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.GET("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/trace", gin.WrapF(pprof.Trace))
	for _, profile := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		debug.GET("/"+profile, gin.WrapH(pprof.Handler(profile)))
	}

	return &Server{engine: engine, registry: registry}
}

// Run starts serving on addr; blocks until the listener fails or the
// process exits, matching gin's normal ListenAndServe usage.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Engine exposes the underlying gin.Engine for tests and for
// registering additional routes (e.g. a health check).
func (s *Server) Engine() *gin.Engine { return s.engine }

// ProfileDump serializes a buddy allocator's live-block snapshot into
// a pprof Profile: one sample per live block, its value the number of
// resident bytes, tagged by its BlockType via the sample's function
// name — turning "what's resident in PSRAM right now" into a
// flame-graph-able artifact, per SPEC_FULL.md §12's pprof wiring.
func ProfileDump(blocks []buddy.LiveBlock, capturedAt time.Time) *gpprofile.Profile {
	p := &gpprofile.Profile{
		SampleType: []*gpprofile.ValueType{
			{Type: "bytes", Unit: "bytes"},
		},
		TimeNanos: capturedAt.UnixNano(),
		PeriodType: &gpprofile.ValueType{
			Type: "space", Unit: "bytes",
		},
		Period: 1,
	}

	functions := map[buddy.BlockType]*gpprofile.Function{}
	nextFnID := uint64(1)
	nextLocID := uint64(1)

	functionFor := func(t buddy.BlockType) *gpprofile.Function {
		if fn, ok := functions[t]; ok {
			return fn
		}
		fn := &gpprofile.Function{ID: nextFnID, Name: blockTypeName(t)}
		nextFnID++
		functions[t] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	for _, b := range blocks {
		fn := functionFor(b.Type)
		loc := &gpprofile.Location{
			ID:      nextLocID,
			Address: uint64(b.Addr),
			Line:    []gpprofile.Line{{Function: fn}},
		}
		nextLocID++
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &gpprofile.Sample{
			Location: []*gpprofile.Location{loc},
			Value:    []int64{int64(b.Pages * buddy.PageSize)},
			Label: map[string][]string{
				"block_type": {blockTypeName(b.Type)},
			},
		})
	}

	return p
}

func blockTypeName(t buddy.BlockType) string {
	switch t {
	case buddy.BlockTask:
		return "task"
	case buddy.BlockKernel:
		return "kernel"
	case buddy.BlockFramebuffer:
		return "framebuffer"
	case buddy.BlockMetadata:
		return "metadata"
	default:
		return "free"
	}
}
