// Command replay feeds a recorded detection capture back into a running
// daemon by resending the UDP payloads, or summarises the capture with
// -inspect. Capture replay requires building with -tags=pcap.
//
// Usage:
//
//	go run -tags=pcap ./cmd/tools/replay -pcap events.pcap
//
// Flags:
//
//	-pcap      Path to the capture file (required)
//	-port      UDP port the events were captured on (default: 9999)
//	-target    Daemon address to forward events to (default: 127.0.0.1:9999)
//	-realtime  Honour capture timing (default: true)
//	-inspect   Summarise the capture instead of forwarding it
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-vision/kestrel/internal/vision/ingest"
)

var (
	pcapFile = flag.String("pcap", "", "path to the capture file (required)")
	port     = flag.Int("port", 9999, "UDP port the events were captured on")
	target   = flag.String("target", "127.0.0.1:9999", "daemon address to forward events to")
	realtime = flag.Bool("realtime", true, "honour capture timing instead of draining at full speed")
	inspect  = flag.Bool("inspect", false, "summarise the capture instead of forwarding it")
)

// udpForwarder resends captured payloads as UDP datagrams.
type udpForwarder struct {
	conn net.Conn
	sent int
}

func (f *udpForwarder) HandleEvent(payload []byte) error {
	if _, err := f.conn.Write(payload); err != nil {
		return err
	}
	f.sent++
	return nil
}

// eventInspector accumulates a summary of the captured event stream.
type eventInspector struct {
	packets    int
	malformed  int
	detections int
	seen       bool
	firstSeq   uint64
	lastSeq    uint64
	seqGaps    int
	firstTs    int64
	lastTs     int64
}

func (i *eventInspector) HandleEvent(payload []byte) error {
	i.packets++
	var ev ingest.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		i.malformed++
		return err
	}
	i.detections += len(ev.Detections)
	if !i.seen {
		i.seen = true
		i.firstSeq = ev.Seq
		i.firstTs = ev.TsUnixMs
	} else if ev.Seq != i.lastSeq+1 {
		i.seqGaps++
	}
	i.lastSeq = ev.Seq
	i.lastTs = ev.TsUnixMs
	return nil
}

func (i *eventInspector) report() {
	fmt.Printf("packets:    %d\n", i.packets)
	fmt.Printf("malformed:  %d\n", i.malformed)
	fmt.Printf("detections: %d\n", i.detections)
	if i.seen {
		fmt.Printf("seq range:  %d-%d (%d gaps)\n", i.firstSeq, i.lastSeq, i.seqGaps)
		fmt.Printf("time span:  %v\n", time.Duration(i.lastTs-i.firstTs)*time.Millisecond)
	}
}

func main() {
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *inspect {
		ins := &eventInspector{}
		err := ingest.ReplayPCAPFile(ctx, *pcapFile, *port, false, ins)
		if err != nil && err != context.Canceled {
			log.Fatalf("Replay failed: %v", err)
		}
		ins.report()
		return
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	log.Printf("Replaying %s to %s (realtime=%v)", *pcapFile, *target, *realtime)
	fwd := &udpForwarder{conn: conn}
	if err := ingest.ReplayPCAPFile(ctx, *pcapFile, *port, *realtime, fwd); err != nil && err != context.Canceled {
		log.Fatalf("Replay failed: %v", err)
	}
	log.Printf("Forwarded %d events", fwd.sent)
}
