package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire/gatt"
)

// StartAdvertising publishes data. Scanners on the host see it on their next
// poll.
func (w *Wire) StartAdvertising(data *AdvertisingData) error {
	deviceDir := util.GetDeviceDir(w.hardwareUUID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create device directory: %w", err)
	}
	normalized := *data
	normalized.ServiceUUIDs = make([]string, len(data.ServiceUUIDs))
	for i, u := range data.ServiceUUIDs {
		normalized.ServiceUUIDs[i] = gatt.NormalizeUUID(u)
	}

	jsonData, err := json.MarshalIndent(&normalized, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal advertising data: %w", err)
	}

	// Write then rename so a scanner never reads a half-written file
	path := filepath.Join(deviceDir, advertisingFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jsonData, 0644); err != nil {
		return fmt.Errorf("write advertising data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish advertising data: %w", err)
	}
	logger.Debug(w.prefix, "📢 advertising %q services=%v", data.DeviceName, normalized.ServiceUUIDs)
	return nil
}

// StopAdvertising withdraws the advertisement
func (w *Wire) StopAdvertising() error {
	path := filepath.Join(util.GetDeviceDir(w.hardwareUUID), advertisingFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadAdvertisingData returns what deviceUUID is broadcasting, or
// ErrNotAdvertising.
func (w *Wire) ReadAdvertisingData(deviceUUID string) (*AdvertisingData, error) {
	path := filepath.Join(util.GetDeviceDir(deviceUUID), advertisingFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotAdvertising, util.ShortHash(deviceUUID))
	}
	if err != nil {
		return nil, err
	}
	var adv AdvertisingData
	if err := json.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("parse advertising data of %s: %w", util.ShortHash(deviceUUID), err)
	}
	return &adv, nil
}

// ListAvailableDevices returns the hardware UUIDs of other devices with a
// socket on this host
func (w *Wire) ListAvailableDevices() []string {
	matches, err := filepath.Glob(filepath.Join(util.GetSocketDir(), socketPrefix+"*"+socketSuffix))
	if err != nil {
		return nil
	}
	devices := make([]string, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		id := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
		if id != "" && id != w.hardwareUUID {
			devices = append(devices, id)
		}
	}
	return devices
}

// StartScanning polls for advertisers offering any of serviceUUIDs (all when
// empty). Each device is reported at most once per scan. The returned func
// stops the scan; it is safe to call from inside onDiscover.
func (w *Wire) StartScanning(serviceUUIDs []string, onDiscover func(DiscoveredDevice)) (stop func()) {
	filter := make(map[string]bool, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		filter[gatt.NormalizeUUID(u)] = true
	}

	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.scanInterval())
		defer ticker.Stop()

		firstSeen := make(map[string]time.Time)
		reported := make(map[string]bool)
		for {
			now := time.Now()
			for _, id := range w.ListAvailableDevices() {
				if reported[id] {
					continue
				}
				adv, err := w.ReadAdvertisingData(id)
				if err != nil || !matchesFilter(adv, filter) {
					continue
				}
				if _, ok := firstSeen[id]; !ok {
					firstSeen[id] = now.Add(randomDelay(w.cfg.MinDiscoveryDelay, w.cfg.MaxDiscoveryDelay))
				}
				if now.Before(firstSeen[id]) {
					continue
				}
				select {
				case <-stopCh:
					return
				default:
				}
				reported[id] = true
				logger.Debug(w.prefix, "👀 discovered %s %q", util.ShortHash(id), adv.DeviceName)
				onDiscover(DiscoveredDevice{HardwareUUID: id, Advertising: adv, RSSI: w.rssi()})
			}

			select {
			case <-stopCh:
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
	}
}

func matchesFilter(adv *AdvertisingData, filter map[string]bool) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range adv.ServiceUUIDs {
		if filter[gatt.NormalizeUUID(u)] {
			return true
		}
	}
	return false
}

func (w *Wire) scanInterval() time.Duration {
	if w.cfg.ScanInterval <= 0 {
		return 100 * time.Millisecond
	}
	return w.cfg.ScanInterval
}

func (w *Wire) rssi() int {
	if w.cfg.RSSIVariance <= 0 {
		return w.cfg.BaseRSSI
	}
	return w.cfg.BaseRSSI + rand.Intn(2*w.cfg.RSSIVariance+1) - w.cfg.RSSIVariance
}
