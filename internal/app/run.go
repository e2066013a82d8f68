package app

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/duetcall/duet/internal/api"
	"github.com/duetcall/duet/internal/audio"
	"github.com/duetcall/duet/internal/call"
	"github.com/duetcall/duet/internal/config"
	"github.com/duetcall/duet/internal/matching"
	"github.com/duetcall/duet/internal/notify"
	"github.com/duetcall/duet/internal/recovery"
	"github.com/duetcall/duet/internal/util"
)

type Options struct {
	// BaseDir anchors the relative paths in Cfg.
	BaseDir string
	CfgPath string
	Cfg     config.Config
}

// Run wires the client together and blocks until ctx is cancelled. Shutdown
// closes the transports but deliberately does not end a live call: the
// server keeps the session alive through the grace window, and the recovery
// snapshot lets the next start pick it back up.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	dataDir := util.ResolvePath(opt.BaseDir, cfg.Paths.DataDir)
	tokenPath := util.ResolvePath(opt.BaseDir, cfg.Auth.TokenFile)
	tokenFn := func() string {
		b, err := os.ReadFile(tokenPath)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}

	// ── Recovery store
	store, err := recovery.Open(dataDir, time.Duration(cfg.Session.GraceWindowSec)*time.Second)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("APP: recovery store at %s", store.Path())

	// ── REST gateway
	apiClient := api.NewClient(cfg.Server.BaseURL, tokenFn)

	// ── Audio
	engine := audio.NewPionEngine(audio.PionOptions{
		SFUURL:         cfg.Audio.SFUURL,
		PreferredMic:   cfg.Audio.PreferredMic,
		DisableCapture: cfg.Audio.DisableCapture,
	})
	defer engine.Close()
	adapter := audio.NewAdapter(engine, cfg.Audio.Volume)

	// ── Realtime channel
	notifyClient := notify.NewClient(notify.Options{
		URL:                  cfg.Server.WSURL,
		MaxReconnectAttempts: cfg.Notify.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(cfg.Notify.ReconnectDelaySec) * time.Second,
		Heartbeat:            time.Duration(cfg.Notify.HeartbeatSec) * time.Second,
	})
	defer notifyClient.Disconnect()

	// ── Session managers
	matchMgr := matching.NewManager(apiClient, store, time.Duration(cfg.Session.MatchingTimeoutSec)*time.Second)
	defer matchMgr.Close()
	// The matched notification arrives over the realtime channel, so joining
	// the queue first makes sure the channel is up. Connect is idempotent.
	matchMgr.SetChannelEnsurer(func(ctx context.Context) error {
		return notifyClient.Connect(ctx, tokenFn())
	})
	callMgr := call.NewManager(apiClient, notifyClient, adapter, store)

	// ── Wire notifications into the managers
	subMatching := notifyClient.OnMatching(matchMgr.HandleNotification)
	defer subMatching.Cancel()

	subCallStart := notifyClient.OnCallStart(func(n notify.CallStartNotification) {
		// The audio join blocks on network; keep the dispatch path free.
		go func() {
			jctx, cancel := context.WithTimeout(ctx, util.DefaultRequestTimeout)
			defer cancel()
			if err := callMgr.HandleCallStart(jctx, n); err != nil {
				log.Printf("APP: call-start %s: %v", n.CallID, err)
			}
		}()
	})
	defer subCallStart.Cancel()

	subCallEnd := notifyClient.OnCallEnd(callMgr.HandleCallEnd)
	defer subCallEnd.Cancel()

	// ── Reconnect supervisor
	lost := make(chan struct{}, 1)
	subConnSt := notifyClient.OnConnectionState(func(st notify.ConnectionState) {
		if !st.IsConnected && !st.IsConnecting {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer subConnSt.Cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				if ctx.Err() != nil {
					return
				}
				if msg, ok := notifyClient.LastError(); ok {
					log.Printf("APP: realtime channel lost (%s), reconnecting", msg)
				}
				err := notifyClient.Reconnect(ctx, tokenFn())
				if errors.Is(err, notify.ErrReconnectExhausted) {
					log.Printf("APP: realtime channel down for good, restart to retry")
					return
				}
			}
		}
	}()

	// ── Restore persisted sessions before going online
	restoreSessions(ctx, store, callMgr, matchMgr)

	if err := notifyClient.Connect(ctx, tokenFn()); err != nil {
		// Not fatal: the supervisor keeps retrying within the budget.
		log.Printf("APP: initial connect: %v", err)
	}

	log.Printf("APP: running (gateway %s, broker %s)", cfg.Server.BaseURL, cfg.Server.WSURL)
	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

// restoreSessions replays persisted snapshots. A live call wins over a
// pending match attempt; both at once means the snapshot writer misbehaved,
// and the match attempt is dropped.
func restoreSessions(ctx context.Context, store *recovery.Store, callMgr *call.Manager, matchMgr *matching.Manager) {
	callSnap, err := store.RestoreCall()
	if err != nil {
		log.Printf("APP: restore call snapshot: %v", err)
	}
	if callSnap != nil {
		rctx, cancel := context.WithTimeout(ctx, util.DefaultRequestTimeout)
		defer cancel()
		if err := callMgr.Restore(rctx, callSnap); err != nil {
			log.Printf("APP: restore call: %v", err)
		} else {
			if err := store.ClearMatching(); err != nil {
				log.Printf("APP: clear matching snapshot: %v", err)
			}
			return
		}
	}

	matchSnap, err := store.RestoreMatching()
	if err != nil {
		log.Printf("APP: restore matching snapshot: %v", err)
	}
	if matchSnap != nil {
		rctx, cancel := context.WithTimeout(ctx, util.DefaultRequestTimeout)
		defer cancel()
		if err := matchMgr.Restore(rctx, matchSnap); err != nil {
			log.Printf("APP: restore matching: %v", err)
		}
	}
}
