package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"edgerelay/pkg/state/logger"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"golang.org/x/time/rate"
)

const bytesPerMB = 1024 * 1024

type Config struct {
	Interval     time.Duration
	NPUCommand   string
	NPUTimeout   time.Duration
	ProbeAddr    string
	ProbeTimeout time.Duration
	LoadSimPath  string
	Disk         *DiskWatch
}

type netCounters struct {
	sent, recv uint64
}

// Sampler refreshes a Sample on a fixed interval. Readers always get the
// most recent complete reading.
type Sampler struct {
	config   Config
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	latest   atomic.Pointer[Sample]
	npuLog   rate.Sometimes

	// guarded by mu; net deltas need the previous reading
	mu      sync.Mutex
	lastNet *netCounters

	now  func() time.Time
	npu  func(ctx context.Context) (NPUStats, error)
	host func() (Sample, netCounters, error)
}

func NewSampler(config Config) *Sampler {
	if config.Interval <= 0 {
		config.Interval = 3 * time.Second
	}
	if config.NPUTimeout <= 0 {
		config.NPUTimeout = 10 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = time.Second
	}
	s := &Sampler{
		config: config,
		stopCh: make(chan struct{}),
		npuLog: rate.Sometimes{First: 1, Interval: 10 * time.Minute},
		now:    time.Now,
	}
	s.npu = func(ctx context.Context) (NPUStats, error) {
		return collectNPU(ctx, s.config.NPUCommand, s.config.NPUTimeout)
	}
	s.host = readHost
	return s
}

// Start takes a first reading in the background and keeps refreshing until
// Stop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sampler) run() {
	defer s.wg.Done()
	s.Collect(context.Background())
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Collect(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Latest returns the last reading. Before the first one completes it is a
// zero sample stamped with the current time.
func (s *Sampler) Latest() Sample {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return Sample{TimestampMs: s.now().UnixMilli()}
}

// Collect takes one reading, publishes it and returns it. Every source
// degrades to zero values on failure.
func (s *Sampler) Collect(ctx context.Context) Sample {
	now := s.now()
	smp, counters, err := s.host()
	if err != nil {
		logger.Debug("host_sample_failed", "error", err)
	}
	smp.TimestampMs = now.UnixMilli()

	s.mu.Lock()
	if err == nil {
		if s.lastNet != nil {
			smp.NetUpKB = float64(delta(counters.sent, s.lastNet.sent)) / 1024
			smp.NetDownKB = float64(delta(counters.recv, s.lastNet.recv)) / 1024
		}
		c := counters
		s.lastNet = &c
	}
	s.mu.Unlock()

	smp.NetLatency = probeLatency(s.config.ProbeAddr, s.config.ProbeTimeout)

	if s.config.NPUCommand != "" {
		npu, err := s.npu(ctx)
		if err != nil {
			s.npuLog.Do(func() {
				logger.Warn("npu_sample_failed", "command", s.config.NPUCommand, "error", err)
			})
		}
		smp.NPUStats = npu
	}

	ls := ReadLoadSim(s.config.LoadSimPath)
	smp.ActiveIO = boolInt(ls.ActiveIO)
	smp.ActiveNet = boolInt(ls.ActiveNet)
	smp.ActiveYolo = boolInt(ls.ActiveYolo)

	smp.DiskUsedPct = s.config.Disk.Check(now)

	s.latest.Store(&smp)
	return smp
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		// counter reset
		return 0
	}
	return cur - prev
}

func readHost() (Sample, netCounters, error) {
	var smp Sample
	var nc netCounters
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return smp, nc, err
	}
	if len(pct) > 0 {
		smp.HostCPUUtil = pct[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return smp, nc, err
	}
	smp.HostMemUtil = vm.UsedPercent
	smp.HostMemUsed = float64(vm.Used) / bytesPerMB
	smp.HostMemTotal = float64(vm.Total) / bytesPerMB
	io, err := psnet.IOCounters(false)
	if err != nil {
		return smp, nc, err
	}
	if len(io) > 0 {
		nc.sent = io[0].BytesSent
		nc.recv = io[0].BytesRecv
	}
	return smp, nc, nil
}
