// Command replay plays a pcap capture of OSC position datagrams into a
// running tracking service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/CINPLA/tracking-plugin/internal/api"
	"github.com/CINPLA/tracking-plugin/internal/replay"
)

var (
	host     = flag.String("host", "127.0.0.1", "Destination host")
	speed    = flag.Float64("speed", 1, "Playback speed multiplier")
	noDelay  = flag.Bool("fast", false, "Send as fast as possible, ignoring capture timing")
	ports    = flag.String("ports", "", "Comma-separated destination ports to replay (empty replays all)")
	remap    = flag.String("remap", "", "Comma-separated from:to port remappings, e.g. 27020:28020")
	validate = flag.Bool("validate", true, "Skip datagrams that are not valid OSC")
	loop     = flag.Int("loop", 1, "Number of times to play the capture (0 loops until interrupted)")
	apiURL   = flag.String("api", "", "Tracking service URL; when set, acquisition is started before and stopped after playback")
	record   = flag.Bool("record", false, "Also open the recording gate during playback (requires -api)")
)

func parsePorts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseRemap(s string) (map[int]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[int]int)
	for _, f := range strings.Split(s, ",") {
		from, to, ok := strings.Cut(strings.TrimSpace(f), ":")
		if !ok {
			return nil, fmt.Errorf("invalid remapping %q, want from:to", f)
		}
		ps, err := parsePorts(from + "," + to)
		if err != nil {
			return nil, fmt.Errorf("invalid remapping %q: %w", f, err)
		}
		out[ps[0]] = ps[1]
	}
	return out, nil
}

func playFile(ctx context.Context, path string, filter []int, sender replay.Sender, cfg replay.Config) (replay.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return replay.Stats{}, err
	}
	defer f.Close()
	r, err := replay.NewReader(f, filter...)
	if err != nil {
		return replay.Stats{}, err
	}
	return replay.Play(ctx, r, sender, cfg)
}

// gates opens acquisition (and recording) on the service and returns the
// function that closes them again.
func gates(c *api.Client, rec bool) (func(), error) {
	if _, err := c.SetAcquisition(true); err != nil {
		return nil, fmt.Errorf("start acquisition: %w", err)
	}
	if rec {
		if _, err := c.SetRecording(true); err != nil {
			c.SetAcquisition(false)
			return nil, fmt.Errorf("start recording: %w", err)
		}
	}
	return func() {
		if rec {
			if _, err := c.SetRecording(false); err != nil {
				log.Printf("stop recording: %v", err)
			}
		}
		if _, err := c.SetAcquisition(false); err != nil {
			log.Printf("stop acquisition: %v", err)
		}
	}, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] capture.pcap\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	filter, err := parsePorts(*ports)
	if err != nil {
		log.Fatal(err)
	}
	mapping, err := parseRemap(*remap)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := &replay.UDPSender{Host: *host}
	defer sender.Close()

	if *apiURL != "" {
		done, err := gates(api.NewClient(*apiURL, nil), *record)
		if err != nil {
			log.Fatal(err)
		}
		defer done()
	} else if *record {
		log.Fatal("-record requires -api")
	}

	cfg := replay.Config{Speed: *speed, NoDelay: *noDelay, Remap: mapping, Validate: *validate}
	for i := 0; *loop == 0 || i < *loop; i++ {
		st, err := playFile(ctx, flag.Arg(0), filter, sender, cfg)
		out, _ := json.Marshal(st)
		log.Printf("pass %d: %s", i+1, out)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			log.Printf("replay failed: %v", err)
			return
		}
	}
}
