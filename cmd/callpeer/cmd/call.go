package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/app/rooms"
	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/media"
	"github.com/dkeye/peercall/internal/store"
)

type deps struct {
	store store.Store
}

func (d *deps) close() {
	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Str("module", "callpeer").Msg("store close")
	}
}

func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	if cfg.Store.Backend != "redis" {
		return nil, fmt.Errorf("callpeer needs a shared store, got backend %q", cfg.Store.Backend)
	}
	st, err := store.DialRedis(ctx, &redis.UniversalOptions{
		Addrs:    []string{cfg.Store.Redis.Addr},
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	}, cfg.Store.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	return &deps{store: st}, nil
}

func participantID() (domain.ParticipantID, error) {
	if flagParticipant == "" {
		return domain.ParticipantID(uuid.NewString()), nil
	}
	return domain.NewParticipantID(flagParticipant)
}

type callOptions struct {
	room        domain.RoomID
	participant domain.ParticipantID
	role        domain.Role
}

// runCall holds the call open until either side hangs up. Cancelling ctx
// hangs up locally.
func runCall(ctx context.Context, cfg *config.Config, d *deps, opts callOptions) error {
	api, err := rtc.NewAPI(log.Logger)
	if err != nil {
		return err
	}
	stream, err := media.NewLocalStream(media.StreamConfig{
		StreamID: string(opts.participant),
		Audio:    !flagNoAudio,
		Video:    flagVideo != "",
	})
	if err != nil {
		return err
	}

	var rec *media.Recorder
	if flagRecord {
		rec, err = media.NewRecorder(cfg.RecordingsDir, string(opts.room))
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn().Err(err).Str("module", "callpeer").Msg("recorder close")
			}
		}()
	}

	artifact := func() string {
		if rec == nil {
			return ""
		}
		return rec.ArtifactRef()
	}

	g, gctx := errgroup.WithContext(ctx)

	o := orch.New(orch.Config{
		Room:          opts.room,
		Participant:   opts.participant,
		Role:          opts.role,
		Rooms:         rooms.NewRegistry(d.store),
		Signaling:     signaling.New(d.store),
		NewPeer:       rtc.Factory(api, rtc.Configuration(cfg.ICEServers), string(opts.role)),
		Stream:        stream,
		OnRemoteTrack: func(track core.RemoteTrack) { forwardRemote(gctx, track, rec) },
		AwaitTimeout:  cfg.Negotiation.AwaitTimeout,
	})
	if err := o.Start(ctx); err != nil {
		return err
	}

	if flagAudio != "" && stream.Audio != nil {
		src, err := media.OpenOgg(flagAudio)
		if err != nil {
			o.HangUp(artifact())
			<-o.Done()
			return err
		}
		g.Go(func() error {
			defer src.Close()
			return media.Pump(gctx, src, stream.Audio)
		})
	}
	if flagVideo != "" {
		src, err := media.OpenIVF(flagVideo)
		if err != nil {
			o.HangUp(artifact())
			<-o.Done()
			return err
		}
		g.Go(func() error {
			defer src.Close()
			return media.Pump(gctx, src, stream.Video)
		})
	}

	g.Go(func() error {
		for {
			select {
			case u := <-o.Updates():
				ev := log.Info().Str("module", "callpeer").Str("phase", string(u.Phase))
				if u.Err != nil {
					ev = ev.Err(u.Err)
				}
				ev.Msg("call state")
				if u.Phase == orch.PhaseError {
					o.HangUp(artifact())
				}
			case <-o.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			o.HangUp(artifact())
			<-o.Done()
		case <-o.Done():
		}
		return nil
	})

	err = g.Wait()
	log.Info().Str("module", "callpeer").Dur("duration", o.Duration()).Msg("call finished")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return o.Err()
}

// forwardRemote fans the remote track out to the recorder, or drains it
// when nothing consumes it.
func forwardRemote(ctx context.Context, track core.RemoteTrack, rec *media.Recorder) {
	f := media.NewFanout(track, track.ID())
	if rec != nil {
		sink, err := rec.Attach(track)
		switch {
		case err == nil:
			f.Add("recorder", sink)
		case errors.Is(err, media.ErrUnsupportedCodec), errors.Is(err, os.ErrClosed):
			log.Warn().Err(err).Str("module", "callpeer").Str("track", track.ID()).Msg("not recording track")
		default:
			log.Error().Err(err).Str("module", "callpeer").Str("track", track.ID()).Msg("recorder attach")
		}
	}
	go f.Run(ctx)
}
