package location

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

// consecutive transport failures before the session is told to downgrade
const fusedMaxFailures = 3

// FusedProvider polls a vendor geolocation service over HTTP. Its fixes are
// pre-filtered by the vendor, so they bypass arbitration. Repeated transport
// failures surface as a connection failure, which the session answers with a
// permanent downgrade to the native provider.
type FusedProvider struct {
	mu       sync.Mutex
	logger   *logx.Logger
	listener ProviderListener
	endpoint string
	apiKey   string

	httpClient *http.Client

	active   bool
	stop     chan struct{}
	failures int

	errorCount   int
	successCount int
}

// geolocationRequest is the vendor request body. With no cell or wifi
// observations the vendor falls back to IP-based positioning.
type geolocationRequest struct {
	ConsiderIP bool `json:"considerIp"`
}

type geolocationResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
	Error    struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewFusedProvider creates the fused provider. Returns nil when no endpoint
// is configured, so callers can wire the session native-only.
func NewFusedProvider(logger *logx.Logger, listener ProviderListener, endpoint, apiKey string) *FusedProvider {
	if endpoint == "" {
		return nil
	}
	return &FusedProvider{
		logger:   logger,
		listener: listener,
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (fp *FusedProvider) Name() string { return "fused" }

// TrustsBypassArbitration is true: the vendor already fuses and filters its
// sources, re-filtering would only drop good fixes.
func (fp *FusedProvider) TrustsBypassArbitration() bool { return true }

func (fp *FusedProvider) IsActive() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.active
}

// Start begins polling the vendor at the requested interval.
func (fp *FusedProvider) Start(pollIntervalMs int64) {
	fp.mu.Lock()
	if fp.active {
		fp.mu.Unlock()
		return
	}
	fp.active = true
	fp.failures = 0
	fp.stop = make(chan struct{})
	stop := fp.stop
	fp.mu.Unlock()

	fp.logger.Info("fused provider started", "endpoint", fp.endpoint, "interval_ms", pollIntervalMs)
	go fp.pollLoop(stop, time.Duration(pollIntervalMs)*time.Millisecond)
}

// Stop ends polling.
func (fp *FusedProvider) Stop() {
	fp.mu.Lock()
	if !fp.active {
		fp.mu.Unlock()
		return
	}
	fp.active = false
	close(fp.stop)
	fp.mu.Unlock()

	fp.logger.Info("fused provider stopped")
}

func (fp *FusedProvider) pollLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fp.pollOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fp.pollOnce()
		}
	}
}

func (fp *FusedProvider) pollOnce() {
	fix, err := fp.resolve()

	fp.mu.Lock()
	if !fp.active {
		fp.mu.Unlock()
		return
	}

	if err != nil {
		fp.errorCount++
		fp.failures++
		failures := fp.failures
		fp.mu.Unlock()

		fp.logger.Warn("fused resolve failed", "error", err, "consecutive", failures)
		if failures >= fusedMaxFailures {
			fp.listener.OnConnectionFailed(fp)
		}
		return
	}

	fp.successCount++
	fp.failures = 0
	fp.mu.Unlock()

	fp.listener.OnFixReceived(fp, *fix)
}

func (fp *FusedProvider) resolve() (*pkg.Fix, error) {
	body, err := json.Marshal(geolocationRequest{ConsiderIP: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geolocation request: %w", err)
	}

	url := fp.endpoint
	if fp.apiKey != "" {
		url = fmt.Sprintf("%s?key=%s", fp.endpoint, fp.apiKey)
	}

	resp, err := fp.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read geolocation response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Bad or revoked key. Retrying will not help; the user has to fix
		// the credential.
		fp.listener.OnResolutionRequired(fp, Resolution{Reason: "geolocation credential rejected"})
		return nil, fmt.Errorf("geolocation API rejected the credential: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation API returned status %d: %s", resp.StatusCode, string(data))
	}

	var result geolocationResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse geolocation response: %w", err)
	}
	if result.Error.Code != 0 {
		return nil, fmt.Errorf("geolocation API error %d: %s", result.Error.Code, result.Error.Message)
	}

	fix := &pkg.Fix{
		Time:     time.Now(),
		Lat:      result.Location.Lat,
		Lon:      result.Location.Lng,
		Provider: pkg.ProviderFused,
	}
	if result.Accuracy > 0 {
		fix.Accuracy = pkg.Float64(result.Accuracy)
	}
	return fix, nil
}
