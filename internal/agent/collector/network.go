package collector

import (
	"context"
	"fmt"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const defaultNetworkCap = 120

// NetworkCollector enumerates listening TCP/UDP sockets via gopsutil.
// Bindings to non-loopback addresses are flagged WARN (§4.2 "Network").
type NetworkCollector struct {
	Opts Options
}

func NewNetworkCollector(opts Options) *NetworkCollector {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultNetworkCap
	}
	return &NetworkCollector{Opts: opts}
}

func (c *NetworkCollector) Collect(ctx context.Context) []wire.Event {
	conns, err := psnet.ConnectionsWithContext(ctx, "all")
	if err != nil {
		return []wire.Event{c.unavailable(err)}
	}

	now := time.Now()
	events := make([]wire.Event, 0, c.Opts.MaxEvents)

	for _, conn := range conns {
		if len(events) >= c.Opts.MaxEvents {
			break
		}
		if conn.Status != "LISTEN" {
			continue
		}

		severity := wire.SeverityInfo
		if !isLoopback(conn.Laddr.IP) {
			severity = wire.SeverityWarn
		}

		identity := fmt.Sprintf("%s:%d", conn.Laddr.IP, conn.Laddr.Port)
		ev, ok := mustEvent(now, wire.SourceNetwork, severity,
			"listening socket: "+identity,
			map[string]any{
				"listener": identity,
				"ip":       conn.Laddr.IP,
				"port":     conn.Laddr.Port,
				"pid":      conn.Pid,
			})
		if ok {
			events = append(events, ev)
		}
	}

	return events
}

func (c *NetworkCollector) unavailable(err error) wire.Event {
	ev, ok := mustEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn,
		"network_collection_unavailable",
		map[string]any{"error": err.Error()})
	if !ok {
		return failureEvent("network", "unavailable", err)
	}
	return ev
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == ""
}
