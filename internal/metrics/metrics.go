// Package metrics exposes Prometheus counters and gauges for the tunnel
// server. It is purely observational: nothing here feeds back into
// retransmission or admission decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udptunnel_clients_active", Help: "Number of tunnel clients currently in the table.",
	})
	ClientsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_clients_created_total", Help: "Total tunnel clients created via HELLO.",
	})
	ClientsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udptunnel_clients_removed_total", Help: "Total tunnel clients removed, by reason.",
	}, []string{"reason"})

	UDPFramesRxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_udp_frames_rx_total", Help: "Total UDP frames received.",
	})
	UDPFramesTxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_udp_frames_tx_total", Help: "Total UDP frames sent.",
	})
	UDPBytesRxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_udp_bytes_rx_total", Help: "Total UDP bytes received, header included.",
	})
	UDPBytesTxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_udp_bytes_tx_total", Help: "Total UDP bytes sent, header included.",
	})

	TCPBytesRxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_tcp_bytes_rx_total", Help: "Total bytes read from clients' TCP endpoints.",
	})
	TCPBytesTxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_tcp_bytes_tx_total", Help: "Total bytes written to clients' TCP endpoints.",
	})

	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udptunnel_retransmits_total", Help: "Total DATA frame retransmissions.",
	})
	MalformedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udptunnel_malformed_frames_total", Help: "Total inbound datagrams rejected by the frame codec, by reason.",
	}, []string{"reason"})
)

// Serve starts a blocking HTTP server exposing /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
