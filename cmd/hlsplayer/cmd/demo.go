package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsplayer/internal/abr"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/fragcache"
	"github.com/jmylchreest/hlsplayer/internal/observability"
	"github.com/jmylchreest/hlsplayer/internal/origin"
	"github.com/jmylchreest/hlsplayer/internal/player"
	"github.com/jmylchreest/hlsplayer/internal/retry"
	"github.com/jmylchreest/hlsplayer/internal/store"
	"github.com/jmylchreest/hlsplayer/internal/urlutil"
	"github.com/jmylchreest/hlsplayer/internal/version"
	"github.com/jmylchreest/hlsplayer/pkg/hlsm3u8"
	"github.com/jmylchreest/hlsplayer/pkg/httpclient"
)

var demoCmd = &cobra.Command{
	Use:   "demo <master-url>",
	Short: "Boot the local origin, load a master playlist, and drive playback from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().String("host", "127.0.0.1", "local origin bind host")
	demoCmd.Flags().Int("port", 8080, "local origin bind port")

	mustBindPFlag("server.host", demoCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", demoCmd.Flags().Lookup("port"))
}

// httpFetcher implements origin.ResourceFetcher by treating a partfile's
// fileID as the fragment's absolute source URL, re-fetched with a byte
// range on demand. A real messaging-app embedding would resolve fileID
// through its own mtproto storage instead.
type httpFetcher struct {
	client *httpclient.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, fileID string, start, length int64) (io.ReadCloser, int64, error) {
	resp, err := f.client.GetRange(ctx, fileID, start, length)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching partfile %s: %w", fileID, err)
	}
	total := resp.ContentLength
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx != -1 {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				total = n
			}
		}
	}
	return resp.Body, total, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	masterURL := args[0]
	if err := urlutil.ValidateURL(masterURL); err != nil {
		return fmt.Errorf("invalid master playlist URL: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfgFile == "" {
		// no file located: Load already applied viper defaults, but flags
		// bound above (host/port) still need to be folded in manually
		// since Load() builds its own unbound viper instance.
		cfg.Server.Host = viper.GetString("server.host")
		cfg.Server.Port = viper.GetInt("server.port")
	}

	logger := observability.NewLogger(cfg.Logging)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if pruned, err := st.PruneSessionSummaries(context.Background(), time.Duration(cfg.Store.RetentionPeriod)); err != nil {
		logger.Warn("failed to prune old session telemetry", "error", err)
	} else if pruned > 0 {
		logger.Info("pruned expired session telemetry", "rows", pruned)
	}

	breakers := httpclient.NewCircuitBreakerManager(nil)
	factory := httpclient.NewClientFactory(breakers).WithLogger(logger).WithDefaultConfig(httpclient.Config{
		Timeout:             cfg.Network.HTTPTimeout,
		RetryAttempts:       cfg.Network.RetryAttempts,
		RetryDelay:          cfg.Network.RetryDelay,
		CircuitThreshold:    cfg.Network.CircuitBreakerThreshold,
		CircuitTimeout:      cfg.Network.CircuitBreakerTimeout,
		Logger:              logger,
		EnableDecompression: true,
		UserAgent:           version.UserAgent(),
	})
	client := factory.CreateClientForService("origin")

	clients := httpclient.NewRegistry()
	clients.Register("origin", client)

	cache := fragcache.New(cfg.Cache.BaseDir, int64(cfg.Cache.MaxBytes), logger)
	if err := cache.WipeStaleSessions(); err != nil {
		logger.Warn("failed to wipe stale fragment cache", "error", err)
	}

	scheduler := retry.NewScheduler(logger)
	defer scheduler.Stop()
	scheduler.Every("cache-sweep", cfg.Cache.SweepInterval, cache.Sweep)

	p := player.New(*cfg, client, cache, st, scheduler, nil, nil, metrics, logger)
	defer p.Close()

	originRegistry := origin.NewRegistry()
	originServer := origin.NewServer(cfg.Server, logger, originRegistry, &httpFetcher{client: client}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	go func() {
		if err := originServer.ListenAndServe(ctx); err != nil {
			logger.Error("local origin stopped", "error", err)
		}
	}()

	if err := registerMasterPlaylist(ctx, client, originRegistry, masterURL); err != nil {
		logger.Warn("failed to mirror master playlist into local origin", "error", err)
	}

	logger.Info("loading master playlist", "url", masterURL)
	p.Load(ctx, masterURL)

	runREPL(ctx, p, clients)
	return nil
}

// registerMasterPlaylist mirrors masterURL's variant set and per-variant
// media playlists into the local origin's registry, independent of the
// player's own session internals, so the origin can serve them even before
// the player finishes loading.
func registerMasterPlaylist(ctx context.Context, client *httpclient.Client, reg *origin.Registry, masterURL string) error {
	resp, err := client.Get(ctx, masterURL)
	if err != nil {
		return fmt.Errorf("fetching master playlist: %w", err)
	}
	defer resp.Body.Close()

	master, err := hlsm3u8.ParseMaster(resp.Body, masterURL)
	if err != nil {
		return fmt.Errorf("parsing master playlist: %w", err)
	}

	mediaPlaylists := make(map[int]string, len(master.Variants))
	for _, v := range master.Variants {
		mresp, err := client.Get(ctx, v.PlaylistURL)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(mresp.Body)
		mresp.Body.Close()
		if err != nil {
			continue
		}
		mediaPlaylists[v.Height] = string(body)
	}

	reg.Register(master.ID, master.Variants, mediaPlaylists)
	return nil
}

// runREPL reads simple playback commands from stdin until ctx is cancelled
// or the user quits.
func runREPL(ctx context.Context, p *player.Player, clients *httpclient.Registry) {
	handle := p.AddPlaybackCompleted(func() { fmt.Println("playback completed") })
	defer p.RemovePlaybackCompleted(handle)
	go watchBufferedRanges(ctx, p)

	fmt.Println("commands: play | pause | toggle | seek <seconds> | volume <0-1> | mute | unmute | quality auto|<height> | status | breakers | quit")
	scanner := bufio.NewScanner(os.Stdin)
	lineCh := make(chan string)
	go func() {
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		close(lineCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			if handleCommand(p, clients, line) {
				return
			}
		case <-time.After(5 * time.Second):
			printStatus(p)
		}
	}
}

func handleCommand(p *player.Player, clients *httpclient.Registry, line string) (quit bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "play":
		p.Play()
	case "pause":
		p.Pause()
	case "toggle":
		p.TogglePlayPause()
	case "seek":
		if len(fields) < 2 {
			fmt.Println("usage: seek <seconds>")
			return false
		}
		seconds, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			fmt.Println("invalid seconds:", fields[1])
			return false
		}
		p.Seek(seconds)
	case "volume":
		if len(fields) < 2 {
			fmt.Println("usage: volume <0-1>")
			return false
		}
		volume, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			fmt.Println("invalid volume:", fields[1])
			return false
		}
		p.SetVolume(volume)
	case "mute":
		p.SetSoundEnabled(false)
	case "unmute":
		p.SetSoundEnabled(true)
	case "quality":
		if len(fields) < 2 {
			fmt.Println("usage: quality auto|<height>")
			return false
		}
		if fields[1] == "auto" {
			p.SetQuality(abr.AutoQuality())
			return false
		}
		height, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("invalid height:", fields[1])
			return false
		}
		p.SetQuality(abr.ExplicitQuality(height))
	case "status":
		printStatus(p)
	case "breakers":
		for _, status := range clients.GetCircuitBreakerStatuses() {
			fmt.Printf("%s: %s (failures=%d)\n", status.Name, status.State, status.Failures)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}

// watchBufferedRanges logs each buffered-range update the player publishes,
// until ctx is cancelled.
func watchBufferedRanges(ctx context.Context, p *player.Player) {
	for {
		select {
		case <-ctx.Done():
			return
		case rng, ok := <-p.BufferingStatus():
			if !ok {
				return
			}
			if rng.Total > 0 && rng.Buffered >= rng.Total {
				fmt.Printf("buffered through end of stream (%.2fs)\n", rng.Total)
			}
		}
	}
}

func printStatus(p *player.Player) {
	s := p.Status()
	fmt.Printf("[%s] t=%.2fs buffered=%.2fs rate=%.1fx auto=%dp seek=%d buffering=%v\n",
		s.PlayState, s.CurrentTime, s.BufferedSeconds, s.BaseRate, s.AutoQualityHeight, s.SeekID, s.Buffering)
}
