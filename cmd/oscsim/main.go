// Command oscsim sends random-walk positions as OSC messages, one source per
// UDP port, for exercising the tracking service without a camera.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/osc"
	"github.com/CINPLA/tracking-plugin/internal/replay"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

var (
	sources  = flag.Int("n", 10, "Number of sources")
	basePort = flag.Int("base-port", tracking.DefaultPort, "Port of the first source; the others follow consecutively")
	host     = flag.String("host", "127.0.0.1", "Destination host")
	minRate  = flag.Float64("min-rate", 30, "Send rate of the first source in Hz")
	maxRate  = flag.Float64("max-rate", 300, "Send rate of the last source in Hz")
	duration = flag.Duration("duration", time.Minute, "How long to send (0 runs until interrupted)")
	width    = flag.Float64("width", 1, "Arena width sent with every position")
	height   = flag.Float64("height", 1, "Arena height sent with every position")
	pcapOut  = flag.String("pcap", "", "Also write every sent datagram to this pcap file")
)

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "/" + tracking.PaletteColor(i)
	}
	return out
}

// capture serialises pcap writes from the source goroutines.
type capture struct {
	mu sync.Mutex
	w  *replay.Writer
}

func (c *capture) write(p replay.Packet) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(p); err != nil {
		log.Printf("pcap: %v", err)
	}
}

func run(ctx context.Context, sender replay.Sender, port int, address string, rate float64, rec *capture) int {
	w := newWalk(*width, *height)
	ticker := time.NewTicker(timeutil.Interval(rate))
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent
		case now := <-ticker.C:
			x, y := w.step()
			payload, err := osc.EncodeFloats(address, float32(x), float32(y), float32(*width), float32(*height))
			if err != nil {
				log.Printf("%s: %v", address, err)
				return sent
			}
			if err := sender.Send(port, payload); err != nil {
				log.Printf("%s on port %d: %v", address, port, err)
				continue
			}
			rec.write(replay.Packet{Time: now, SrcPort: port + 10000, DstPort: port, Payload: payload})
			sent++
		}
	}
}

func main() {
	flag.Parse()
	if *sources <= 0 || *minRate <= 0 || *maxRate < *minRate {
		log.Fatal("need at least one source and 0 < min-rate <= max-rate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var rec *capture
	if *pcapOut != "" {
		f, err := os.Create(*pcapOut)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *pcapOut, err)
		}
		defer f.Close()
		w, err := replay.NewWriter(f)
		if err != nil {
			log.Fatalf("%v", err)
		}
		rec = &capture{w: w}
	}

	sender := &replay.UDPSender{Host: *host}
	defer sender.Close()

	var wg sync.WaitGroup
	hz := rates(*sources, *minRate, *maxRate)
	for i, addr := range addresses(*sources) {
		port := *basePort + i
		log.Printf("source %s: port %d at %.1f Hz", addr, port, hz[i])
		wg.Add(1)
		go func(port int, addr string, rate float64) {
			defer wg.Done()
			n := run(ctx, sender, port, addr, rate, rec)
			log.Printf("source %s: sent %d messages", addr, n)
		}(port, addr, hz[i])
	}
	wg.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("stopped: %v", err)
	}
}
