// Command mumblebot connects to a Mumble server as a headless bot: it
// joins a channel, relays every speaking user's voice into a whisper-target
// mix aimed back at that channel, plays queued audio files/buffers into the
// channel on request, and answers privilege-gated `.command` text messages
// by dispatching to loaded plugins. Flags layer over the loaded
// config.Config rather than replacing it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"mumblebot/internal/adapt"
	"mumblebot/internal/audiopacket"
	"mumblebot/internal/clientcert"
	"mumblebot/internal/codec"
	"mumblebot/internal/config"
	"mumblebot/internal/controller"
	"mumblebot/internal/directory"
	"mumblebot/internal/engine"
	"mumblebot/internal/mixer"
	"mumblebot/internal/monitor"
	"mumblebot/internal/mumbleproto"
	"mumblebot/internal/playback"
	"mumblebot/internal/pluginhost"
)

var logger = log.With("component", "main")

// botVersion is the bot's own release version, packed the same way the wire
// protocol packs its version triple.
var botVersion = mumbleproto.PackVersion(0, 3, 0)

func main() {
	cfg := config.Load()

	host := pflag.StringP("host", "H", cfg.Host, "Mumble server host.")
	port := pflag.IntP("port", "P", cfg.Port, "Mumble server port.")
	username := pflag.StringP("username", "u", cfg.Username, "Username to connect as.")
	password := pflag.String("password", "", "Server password, if required.")
	certPath := pflag.String("cert", cfg.CertPath, "Client certificate path (PEM). Generated and persisted if empty.")
	keyPath := pflag.String("key", cfg.KeyPath, "Client private key path (PEM). Generated and persisted if empty.")
	volume := pflag.Float64P("volume", "v", cfg.Volume, "Default playback/mixer volume (0.0-1.0+).")
	bitrate := pflag.IntP("bitrate", "b", cfg.Bitrate, "Initial CELT encode bitrate, bits/sec.")
	framesPerPacket := pflag.Int("frames-per-packet", cfg.FramesPerPacket, "CELT frames bundled per voice packet.")
	mixerChannelID := pflag.Uint32("mixer-channel", uint32(directory.RootChannelID), "Channel ID the relay mix is whispered into.")
	mixerDelay := pflag.Int("mixer-delay", cfg.MixerDelaySeconds, "Seconds of mixer buffering before playout starts; 0 sizes it from measured link jitter.")
	privilegeFile := pflag.String("privileges", cfg.PrivilegeFilePath, "Path to the privilege list file.")
	monitorDevice := pflag.Int("monitor-device", cfg.MonitorDeviceID, "Local portaudio output device to mirror the mix to, or -1 to disable.")
	tickHz := pflag.Int("tick-hz", cfg.TickHz, "Plugin Tick event frequency in Hz; 0 selects 10 Hz, negative disables.")
	saveConfig := pflag.Bool("save-config", false, "Persist the resulting settings as the new default config.")
	showVersion := pflag.Bool("version", false, "Print the version and exit.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "mumblebot - a headless Mumble voice-chat bot.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: mumblebot [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showVersion {
		fmt.Println("mumblebot", mumbleproto.VersionString(botVersion))
		return
	}

	cfg.Host, cfg.Port = *host, *port
	cfg.Username = *username
	cfg.CertPath, cfg.KeyPath = *certPath, *keyPath
	cfg.Volume, cfg.Bitrate, cfg.FramesPerPacket = *volume, *bitrate, *framesPerPacket
	cfg.MixerDelaySeconds = *mixerDelay
	cfg.PrivilegeFilePath = *privilegeFile
	cfg.MonitorDeviceID = *monitorDevice
	cfg.TickHz = *tickHz

	if *saveConfig {
		if err := config.Save(cfg); err != nil {
			logger.Warn("failed to save config", "err", err)
		}
	}

	if err := run(cfg, *mixerChannelID, *password); err != nil {
		logger.Fatal("mumblebot exited", "err", err)
	}
}

func run(cfg config.Config, mixerChannelID uint32, password string) error {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	certDir := filepath.Join(configDir, "mumblebot")

	cert, err := clientcert.LoadOrGenerate(cfg.CertPath, cfg.KeyPath, certDir, cfg.Username)
	if err != nil {
		return fmt.Errorf("client certificate: %w", err)
	}
	logger.Info("client identity", "fingerprint", clientcert.Fingerprint(cert))

	codecs := codec.NewRegistry()
	if errs := codecs.Load(codec.StubLoader{}); len(errs) > 0 {
		logger.Warn("no CELT codec variants available", "errs", errs)
	}

	dir := directory.New()
	plugins := pluginhost.New(cfg.TickHz)
	defer plugins.Close()

	copyUser := func(v any) any {
		cp := v.(directory.User)
		return &cp
	}
	dir.OnUserJoined = func(u *directory.User) {
		plugins.QueueTaskAll(pluginhost.Event{Kind: pluginhost.EventUserJoinedServer, Args: *u}, copyUser)
	}

	ctrl := controller.New(nil, plugins, cfg.PrivilegeFilePath, nil)
	if err := ctrl.LoadPrivileges(); err != nil {
		logger.Warn("failed to load privilege file", "err", err)
	}
	defer func() {
		if err := ctrl.SavePrivileges(); err != nil {
			logger.Warn("failed to save privilege file", "err", err)
		}
	}()

	var mon *monitor.Monitor
	if cfg.MonitorDeviceID >= 0 {
		var err error
		mon, err = monitor.New(cfg.MonitorDeviceID)
		if err != nil {
			logger.Warn("monitor device unavailable, continuing without local playback", "err", err)
			mon = nil
		} else if err := mon.Start(); err != nil {
			logger.Warn("failed to start monitor stream", "err", err)
			mon = nil
		}
	}
	if mon != nil {
		defer mon.Close()
	}

	relay := &channelRelay{
		targetID:     mixerChannelID,
		delaySeconds: cfg.MixerDelaySeconds,
		volume:       cfg.Volume,
		codecs:       codecs,
		monitor:      mon,
	}

	eng := engine.New(engine.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Cert:           cert,
		Username:       cfg.Username,
		Password:       password,
		Codec:          mumbleproto.StubCodec{},
		Codecs:         codecs,
		InitialBitrate: cfg.Bitrate,
		InitialFrames:  cfg.FramesPerPacket,
	}, dir, engine.Handlers{
		OnVoicePacket: func(session uint32, pkt *audiopacket.Packet) { relay.feed(session, pkt) },
		OnTextCommand: ctrl.HandleCommand,
		OnTextMessage: func(actor *directory.User, message string) {
			plugins.QueueTaskAll(pluginhost.Event{
				Kind: pluginhost.EventTextMessage,
				Args: pluginhost.TextMessage{From: actor.Name, Message: message},
			}, nil)
		},
		OnUserStats: func(u *directory.User) {
			plugins.QueueTaskAll(pluginhost.Event{Kind: pluginhost.EventUserStats, Args: *u}, copyUser)
		},
	})
	ctrl.SetSender(eng)
	relay.eng = eng
	relay.dir = dir

	player := playback.New(eng, codecs)
	player.SetVolume(cfg.Volume)
	player.OnPlayback = func(pluginTag, name string) {
		plugins.QueueTask(pluginTag, pluginhost.Event{Kind: pluginhost.EventPlayback, Args: name})
	}
	player.Start()
	defer player.Close()

	plugins.StartTick()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		if err := eng.Connect(ctx); err != nil {
			logger.Error("connect failed", "err", err)
			if !sleepOrDone(ctx, 5*time.Second) {
				return nil
			}
			continue
		}

		relayCtx, cancelRelay := context.WithCancel(ctx)
		go relay.attachWhenSynced(relayCtx, eng)

		restart, err := eng.Run(ctx)
		cancelRelay()
		relay.reset()

		if err != nil {
			logger.Error("session ended", "err", err)
		}
		if ctx.Err() != nil || !restart {
			return err
		}
		if !sleepOrDone(ctx, 5*time.Second) {
			return nil
		}
	}
}

// channelRelay owns the Mixer and creates it lazily: mixer.Create needs a
// resolved *directory.Channel, but the Directory only learns channels from
// the ChannelState messages Engine.Run processes, so there is no channel to
// target until after ServerSync has been received and a short settle window
// has passed.
type channelRelay struct {
	targetID     uint32
	delaySeconds int
	volume       float64
	codecs       *codec.Registry
	monitor      *monitor.Monitor

	eng *engine.Engine
	dir *directory.Directory

	mu sync.Mutex
	mx *mixer.Mixer
}

// attachWhenSynced polls Engine.Session until ServerSync has arrived, then
// resolves the configured target channel (falling back to the root channel)
// and creates the Mixer.
func (r *channelRelay) attachWhenSynced(ctx context.Context, eng *engine.Engine) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, synced := eng.Session(); !synced {
				continue
			}
			ch, ok := r.dir.ChannelByID(r.targetID)
			if !ok {
				ch, ok = r.dir.ChannelByID(directory.RootChannelID)
			}
			if !ok {
				continue
			}
			mx, err := mixer.CreateWithDelay(ch, r.delay(eng), eng, r.codecs)
			if err != nil {
				logger.Error("mixer create failed", "err", err)
				return
			}
			mx.SetVolume(r.volume)
			if r.monitor != nil {
				mx.SetMonitor(r.monitor.Feed)
			}
			r.mu.Lock()
			r.mx = mx
			r.mu.Unlock()
			return
		}
	}
}

// delay returns the mixer's delay-line length: the configured whole-second
// setting when one was given, else a depth sized from the link quality the
// engine has measured so far (jitter from the ping round trips, smoothed
// loss from the crypto counters).
func (r *channelRelay) delay(eng *engine.Engine) time.Duration {
	if r.delaySeconds > 0 {
		return time.Duration(r.delaySeconds) * time.Second
	}
	loss, jitter := eng.LinkStats()
	depth := adapt.TargetDelayDepth(jitter, loss)
	return time.Duration(depth) * 10 * time.Millisecond
}

func (r *channelRelay) feed(session uint32, pkt *audiopacket.Packet) {
	r.mu.Lock()
	mx := r.mx
	r.mu.Unlock()
	if mx != nil {
		mx.Feed(session, pkt)
	}
}

func (r *channelRelay) reset() {
	r.mu.Lock()
	mx := r.mx
	r.mx = nil
	r.mu.Unlock()
	if mx != nil {
		mx.Close()
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
