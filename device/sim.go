package device

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// SimDialer produces simulated bands. It lets the full acquisition pipeline
// run without hardware: synthetic EEG/IMU/PPG waveforms plus randomly walking
// scores. The vendor toolkit adapter implements the same Dialer interface.
type SimDialer struct{}

func (SimDialer) Dial(ctx context.Context, deviceID, productKey string) (Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSimStreamer(deviceID), nil
}

// Scan returns a fixed pair of simulated bands.
func (SimDialer) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []DiscoveredDevice{
		{ID: "FRENZ-SIM01", Name: "FRENZ Band (sim)", RSSI: -42},
		{ID: "FRENZ-SIM02", Name: "FRENZ Band (sim)", RSSI: -67},
	}, nil
}

// SimStreamer synthesizes samples on demand, so polling it never blocks.
type SimStreamer struct {
	info    Info
	start   time.Time
	healthy atomic.Bool
	closed  atomic.Bool

	mu    sync.Mutex
	focus float64
	poas  float64
	hr    float64
}

func newSimStreamer(deviceID string) *SimStreamer {
	s := &SimStreamer{
		info: Info{
			DeviceID:        deviceID,
			Model:           "FRENZ Brainband (simulated)",
			FirmwareVersion: "sim-1.0",
			Calibration: map[string]float64{
				"eeg_gain":   24.0,
				"ppg_offset": 0.12,
			},
			ConnectedAt: time.Now(),
		},
		start: time.Now(),
		focus: 50,
		poas:  0.5,
		hr:    62,
	}
	s.healthy.Store(true)
	return s
}

func (s *SimStreamer) LatestRaw() map[string][]float64 {
	if !s.healthy.Load() || s.closed.Load() {
		return nil
	}
	t := time.Since(s.start).Seconds()

	eeg := make([]float64, 7)
	for ch := range eeg {
		// 10 Hz alpha-ish carrier per channel plus noise, microvolt scale.
		eeg[ch] = 30*math.Sin(2*math.Pi*10*t+float64(ch)) + rand.NormFloat64()*5
	}
	imu := []float64{
		rand.NormFloat64() * 0.02,
		rand.NormFloat64() * 0.02,
		1 + rand.NormFloat64()*0.02, // gravity on z
	}
	ppg := []float64{
		1000 + 50*math.Sin(2*math.Pi*t*1.1),
		980 + 45*math.Sin(2*math.Pi*t*1.1+0.3),
		1020 + 55*math.Sin(2*math.Pi*t*1.1+0.6),
	}
	filtered := make([]float64, 7)
	for ch := range filtered {
		filtered[ch] = 25 * math.Sin(2*math.Pi*10*t+float64(ch))
	}

	return map[string][]float64{
		"eeg":          eeg,
		"imu":          imu,
		"ppg":          ppg,
		"filtered_eeg": filtered,
	}
}

func (s *SimStreamer) LatestScores() map[string]any {
	if !s.healthy.Load() || s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	s.focus = clamp(s.focus+rand.NormFloat64()*2, 0, 100)
	s.poas = clamp(s.poas+rand.NormFloat64()*0.02, 0, 1)
	s.hr = clamp(s.hr+rand.NormFloat64(), 45, 110)
	focus, poas, hr := s.focus, s.poas, s.hr
	s.mu.Unlock()

	band := func() []float64 {
		v := make([]float64, 5)
		for i := range v {
			v[i] = rand.Float64() * 10
		}
		return v
	}
	postures := []string{"upright", "upright", "slouching", "unknown"}

	return map[string]any{
		"focus_score": focus,
		"poas":        poas,
		"posture":     postures[rand.IntN(len(postures))],
		"sleep_stage": rand.IntN(5),
		"sqc_scores":  []float64{1, 1, rand.Float64(), 1},
		"hr":          int(hr),
		"spo2":        95 + rand.IntN(5),
		"alpha":       band(),
		"beta":        band(),
		"gamma":       band(),
		"theta":       band(),
		"delta":       band(),
	}
}

func (s *SimStreamer) Info() Info { return s.info }

func (s *SimStreamer) Healthy() bool {
	return s.healthy.Load() && !s.closed.Load()
}

// SetHealthy lets tests and demos inject a link drop.
func (s *SimStreamer) SetHealthy(ok bool) { s.healthy.Store(ok) }

func (s *SimStreamer) Close() error {
	s.closed.Store(true)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
