package location

import (
	"bufio"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

const knotsToMps = 0.514444

// NativeProvider reads NMEA sentences from a serial GNSS receiver. It tries
// the configured device paths in order and keeps the first one that opens.
// GGA and RMC sentences are merged into one fix; emission is throttled to
// the poll interval requested by the session.
type NativeProvider struct {
	mu       sync.Mutex
	logger   *logx.Logger
	listener ProviderListener
	devices  []string
	baud     int

	active bool
	stop   chan struct{}
	port   serial.Port

	errorCount   int
	successCount int
}

// NewNativeProvider creates the native provider. The listener receives all
// fixes and error conditions; it is typically the session.
func NewNativeProvider(logger *logx.Logger, listener ProviderListener, devices []string, baudRate int) *NativeProvider {
	if len(devices) == 0 {
		devices = []string{"/dev/ttyUSB1", "/dev/ttyUSB2", "/dev/ttyACM0"}
	}
	if baudRate <= 0 {
		baudRate = 115200
	}
	return &NativeProvider{
		logger:   logger,
		listener: listener,
		devices:  devices,
		baud:     baudRate,
	}
}

func (np *NativeProvider) Name() string { return "native" }

// TrustsBypassArbitration is false: raw receiver fixes always go through the
// regular acceptance rules.
func (np *NativeProvider) TrustsBypassArbitration() bool { return false }

func (np *NativeProvider) IsActive() bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.active
}

// Start opens the receiver and begins streaming fixes. When no device can
// be opened the provider reports itself disabled instead of failing hard.
func (np *NativeProvider) Start(pollIntervalMs int64) {
	np.mu.Lock()
	if np.active {
		np.mu.Unlock()
		return
	}

	port, device := np.openFirstDevice()
	if port == nil {
		np.mu.Unlock()
		np.logger.Warn("no NMEA device could be opened", "devices", strings.Join(np.devices, ","))
		np.listener.OnDisabled(np)
		return
	}

	np.active = true
	np.port = port
	np.stop = make(chan struct{})
	stop := np.stop
	np.mu.Unlock()

	np.logger.Info("native provider started", "device", device, "baud", np.baud, "interval_ms", pollIntervalMs)
	go np.readLoop(port, stop, time.Duration(pollIntervalMs)*time.Millisecond)
}

// Stop ends streaming. Fixes already in flight are discarded by the session.
func (np *NativeProvider) Stop() {
	np.mu.Lock()
	if !np.active {
		np.mu.Unlock()
		return
	}
	np.active = false
	close(np.stop)
	port := np.port
	np.port = nil
	np.mu.Unlock()

	if port != nil {
		port.Close()
	}
	np.logger.Info("native provider stopped")
}

func (np *NativeProvider) openFirstDevice() (serial.Port, string) {
	mode := &serial.Mode{BaudRate: np.baud}
	for _, device := range np.devices {
		port, err := serial.Open(device, mode)
		if err != nil {
			np.logger.Debug("failed to open NMEA device", "device", device, "error", err)
			continue
		}
		return port, device
	}
	return nil, ""
}

// readLoop scans sentences until the port closes or Stop fires. A partial
// fix accumulates GGA and RMC data; once position is known and the throttle
// interval elapsed, the merged fix is emitted.
func (np *NativeProvider) readLoop(port serial.Port, stop <-chan struct{}, interval time.Duration) {
	scanner := bufio.NewScanner(port)

	var pending nmeaFix
	var lastEmit time.Time

	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}

		switch s := sentence.(type) {
		case nmea.GGA:
			if s.FixQuality == "0" {
				continue
			}
			pending.lat = s.Latitude
			pending.lon = s.Longitude
			alt := s.Altitude
			pending.altitude = &alt
			if s.HDOP > 0 {
				// Horizontal accuracy from dilution of precision, with a
				// nominal 5m user range error.
				acc := s.HDOP * 5.0
				pending.accuracy = &acc
			}
			pending.hasPosition = true
		case nmea.RMC:
			if s.Validity != "A" {
				continue
			}
			pending.lat = s.Latitude
			pending.lon = s.Longitude
			speed := s.Speed * knotsToMps
			pending.speed = &speed
			if s.Course > 0 {
				course := s.Course
				pending.bearing = &course
			}
			pending.hasPosition = true
		default:
			continue
		}

		if !pending.hasPosition || time.Since(lastEmit) < interval {
			continue
		}
		lastEmit = time.Now()
		np.emit(pending)
	}

	select {
	case <-stop:
		return
	default:
	}

	// The port dropped out from under us (device unplugged or read error).
	np.logger.Warn("NMEA stream ended", "error", scanner.Err())
	np.Stop()
	np.listener.OnDisabled(np)
}

func (np *NativeProvider) emit(p nmeaFix) {
	np.mu.Lock()
	if !np.active {
		np.mu.Unlock()
		return
	}
	np.successCount++
	np.mu.Unlock()

	fix := pkg.Fix{
		Time:     time.Now(),
		Lat:      p.lat,
		Lon:      p.lon,
		Accuracy: copyFloat(p.accuracy),
		Speed:    copyFloat(p.speed),
		Bearing:  copyFloat(p.bearing),
		Altitude: copyFloat(p.altitude),
		Provider: pkg.ProviderNativeGps,
	}
	np.listener.OnFixReceived(np, fix)
}

// nmeaFix accumulates fields across sentence types until a full position
// is available.
type nmeaFix struct {
	lat, lon    float64
	accuracy    *float64
	speed       *float64
	bearing     *float64
	altitude    *float64
	hasPosition bool
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
