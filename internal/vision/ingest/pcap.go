//go:build pcap
// +build pcap

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ReplayPCAPFile replays recorded detection event traffic from a PCAP
// capture into the sink. With realtime set, inter-packet gaps from the
// capture timestamps are honoured so phase timing behaves as it did
// live; otherwise the file is drained as fast as possible.
// This function is only available when building with the 'pcap' build tag.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, realtime bool, sink EventSink) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter %q: %w", filterStr, err)
	}
	ingestLogf("pcap BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()
	var lastCapture time.Time

	for {
		select {
		case <-ctx.Done():
			ingestLogf("pcap replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				elapsed := time.Since(startTime)
				ingestLogf("pcap replay complete: %d packets in %v", packetCount, elapsed)
				return nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue // Skip non-UDP packets (shouldn't happen with BPF filter)
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}
			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			if realtime {
				captured := packet.Metadata().Timestamp
				if !lastCapture.IsZero() {
					gap := captured.Sub(lastCapture)
					if gap > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(gap):
						}
					}
				}
				lastCapture = captured
			}

			packetCount++
			if err := sink.HandleEvent(payload); err != nil {
				ingestLogf("error replaying packet %d: %v", packetCount, err)
			}

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				ingestLogf("pcap progress: %d packets in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
