package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "kproxy_active_sessions", Help: "Currently registered client sessions"})
	SessionReplacedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "kproxy_session_replaced_total", Help: "Sessions replaced by a newer control connection for the same client"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "kproxy_pending_requests", Help: "Control requests awaiting a response"})
	PendingChannels        = promauto.NewGauge(prometheus.GaugeOpts{Name: "kproxy_pending_channels", Help: "Data channels waiting for the client data connection"})
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "kproxy_active_tunnels", Help: "Tunnels not yet closed"})
	ActiveChannels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "kproxy_active_channels", Help: "Data channels currently relaying"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "kproxy_tunnel_established_total", Help: "Tunnels that reached Active"})
	TunnelFailedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kproxy_tunnel_failed_total", Help: "Tunnel allocation failures by reason"}, []string{"reason"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kproxy_relay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kproxy_channel_duration_seconds", Help: "Data channel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	SocksConnectionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kproxy_socks_connections_total", Help: "SOCKS5 connections by outcome"}, []string{"outcome"})
)
