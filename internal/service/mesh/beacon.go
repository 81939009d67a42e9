package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

const maxBeaconSize = 1024

type beacon struct {
	DeviceID string `json:"device_id"`
	URL      string `json:"url"`
}

func (a *Adapter) beaconLoop(ctx context.Context) {
	defer a.wg.Done()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		log.Error("beacon socket failed", zap.Error(err))
		return
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: a.cfg.DiscoveryPort}
	ticker := time.NewTicker(a.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		data, _ := json.Marshal(beacon{DeviceID: a.localID, URL: a.URL()})
		if _, err := conn.WriteTo(data, dst); err != nil {
			log.Debug("beacon send failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Adapter) listenBeacons(ctx context.Context) {
	defer a.wg.Done()

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", a.cfg.DiscoveryPort))
	if err != nil {
		log.Error("beacon listener failed", zap.Int("port", a.cfg.DiscoveryPort), zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		b.URL = reachableURL(b.URL, from)
		a.onBeacon(ctx, b)
	}
}

// reachableURL replaces a wildcard listen host with the address the beacon
// came from.
func reachableURL(raw string, from net.Addr) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return raw
	}
	if ip := net.ParseIP(u.Hostname()); u.Hostname() != "" && (ip == nil || !ip.IsUnspecified()) {
		return raw
	}
	u.Host = net.JoinHostPort(udp.IP.String(), u.Port())
	return u.String()
}

// onBeacon dials a newly discovered device when this device has the lower id.
func (a *Adapter) onBeacon(ctx context.Context, b beacon) {
	if b.DeviceID == "" || b.URL == "" || b.DeviceID == a.localID {
		return
	}
	if a.localID > b.DeviceID {
		return
	}
	a.mu.Lock()
	_, linked := a.links[b.DeviceID]
	a.mu.Unlock()
	if linked {
		return
	}
	go a.dialOnce(ctx, b.URL, b.DeviceID)
}
