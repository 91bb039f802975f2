// Command relaycal-widget shows the sync status line of a relaycal owner.
// It observes the shared watermark file, or the owner's websocket stream when
// --url is set, and never writes anything itself.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/jitter"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

func main() {
	watermarkPath := flag.String("watermark-path", envOrDefault("RELAYCAL_WATERMARK_PATH", filepath.Join(config.DefaultDataDir(), "watermark.json")), "watermark file to observe")
	streamURL := flag.String("url", strings.TrimSpace(os.Getenv("RELAYCAL_WIDGET_URL")), "owner websocket url, e.g. ws://127.0.0.1:8787/v1/watermark/ws")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYCAL_TOKEN")), "bearer token with sync:read (required with --url)")
	poll := flag.Duration("poll", durationEnv("RELAYCAL_POLL_INTERVAL", watermark.DefaultPollInterval), "watermark file poll interval")
	reconnect := flag.Duration("reconnect", durationEnv("RELAYCAL_WIDGET_RECONNECT", 5*time.Second), "delay before redialing a dropped stream")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("RELAYCAL_WIDGET_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "print the current status and exit")
	flag.Parse()

	if *poll <= 0 || *poll > watermark.MaxStaleness {
		*poll = watermark.DefaultPollInterval
	}
	if *reconnect <= 0 {
		*reconnect = 5 * time.Second
	}
	*reconnectJitter = jitter.ClampRatio(*reconnectJitter)

	if *once {
		line, err := readOnce(*watermarkPath)
		if err != nil {
			log.Fatalf("read watermark: %v", err)
		}
		fmt.Println(line)
		return
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	printer := newStatusPrinter(os.Stdout)

	var err error
	if strings.TrimSpace(*streamURL) != "" {
		if strings.TrimSpace(*token) == "" {
			log.Fatalf("token is required with --url (--token or RELAYCAL_TOKEN)")
		}
		err = streamWatermarks(rootCtx, *streamURL, *token, *reconnect, *reconnectJitter, printer.Print)
	} else {
		err = observeFile(rootCtx, *watermarkPath, *poll, printer.Print)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("widget stopped: %v", err)
	}
}

// readOnce renders the status line of the last published watermark.
func readOnce(path string) (string, error) {
	slot, err := watermark.NewFileSlot(path, nil)
	if err != nil {
		return "", err
	}
	w, ok, err := slot.Read()
	if err != nil {
		return "", err
	}
	if !ok {
		return "no sync has been published yet", nil
	}
	return watermark.FormatStatusLine(w), nil
}

func observeFile(ctx context.Context, path string, poll time.Duration, fn func(watermark.Watermark)) error {
	slot, err := watermark.NewFileSlot(path, log.Default())
	if err != nil {
		return err
	}
	return watermark.NewObserver(slot, poll).Watch(ctx, fn)
}

// streamWatermarks follows the owner's websocket and redials after drops
// until ctx is done.
func streamWatermarks(ctx context.Context, url, token string, reconnect time.Duration, jitterRatio float64, fn func(watermark.Watermark)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := watermark.DialObserver(ctx, url, header, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := jitter.IntervalWithSample(reconnect, jitterRatio, rng.Float64())
		log.Printf("watermark stream dropped: %v; redialing in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// statusPrinter writes a status line whenever it differs from the last one.
type statusPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out}
}

func (p *statusPrinter) Print(w watermark.Watermark) {
	line := watermark.FormatStatusLine(w)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	_, _ = fmt.Fprintln(p.out, line)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
