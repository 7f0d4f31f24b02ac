// Meetlink CLI entry point.
//
// Joins a named session and keeps direct media links with every other
// participant, using the relay only for negotiation metadata. A Host
// initiates a link toward each participant that announces itself; a Guest
// announces and answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/adapters/bus"
	statushttp "github.com/meetlink/meetlink/internal/adapters/http"
	"github.com/meetlink/meetlink/internal/adapters/media"
	"github.com/meetlink/meetlink/internal/adapters/rest"
	"github.com/meetlink/meetlink/internal/adapters/rtc"
	"github.com/meetlink/meetlink/internal/app"
	"github.com/meetlink/meetlink/internal/config"
	"github.com/meetlink/meetlink/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, media.ErrAcquisition) {
			pterm.Error.Println("Could not acquire local media. Check your devices and retry.")
		} else {
			pterm.Error.Println(err.Error())
		}
		os.Exit(1)
	}
	pterm.Info.Println("Left session.")
}

func run(ctx context.Context, cfg *config.Config) error {
	api := rest.NewClient(cfg.APIURL)

	email, password := credentials(cfg)
	token, err := api.Login(ctx, email, password)
	if err != nil {
		return err
	}

	role := chooseRole()
	self, err := domain.NewParticipant(email, role)
	if err != nil {
		return err
	}

	sess, err := pickSession(ctx, api, token, self, cfg.Session)
	if err != nil {
		return err
	}

	// Media denial is fatal to session entry; nothing below starts without it.
	src, err := media.NewStaticSource("")
	if err != nil {
		return err
	}

	relay := bus.New(cfg.RelayURL, token, cfg.ReconnectBackoff, cfg.PublishTimeout)
	links := rtc.NewFactory(cfg.STUNServers)

	coord := app.NewCoordinator(sess, relay, links, src)
	coord.OnPeerTrack(func(peer domain.ParticipantID, track *webrtc.TrackRemote) {
		pterm.Success.Printfln("media from %s (%s)", peer, track.Kind())
	})

	if err := coord.Start(ctx); err != nil {
		src.Stop()
		return fmt.Errorf("enter session: %w", err)
	}
	defer coord.Leave()

	stopStatus := startStatusServer(cfg, coord)
	defer stopStatus()

	pterm.Success.Printfln("In session %q as %s (%s). Ctrl+C to leave.", sess.Title, self.ID, self.Role)
	<-ctx.Done()
	return nil
}

// credentials prefers the config file and falls back to interactive prompts.
func credentials(cfg *config.Config) (string, string) {
	email := cfg.Email
	if email == "" {
		email, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Email").Show()
	}
	password := cfg.Password
	if password == "" {
		password, _ = pterm.DefaultInteractiveTextInput.
			WithMask("*").WithDefaultText("Password").Show()
	}
	return email, password
}

func chooseRole() domain.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Start a session others join", "Guest — Join an active session"}).
		WithDefaultText("Select your role").
		Show()
	if len(choice) > 0 && choice[0] == 'H' {
		return domain.RoleHost
	}
	return domain.RoleGuest
}

// pickSession creates a session for a Host and selects an active one for a
// Guest. A preset session id from config skips the prompts.
func pickSession(ctx context.Context, api *rest.Client, token string, self domain.Participant, preset string) (domain.Session, error) {
	if preset != "" {
		return domain.NewSession(preset, preset, self)
	}

	if self.Role == domain.RoleHost {
		title, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session title").Show()
		info, err := api.CreateSession(ctx, token, title)
		if err != nil {
			return domain.Session{}, fmt.Errorf("create session: %w", err)
		}
		return domain.NewSession(info.ID, info.Title, self)
	}

	active, err := api.ActiveSessions(ctx, token)
	if err != nil {
		return domain.Session{}, fmt.Errorf("list sessions: %w", err)
	}
	if len(active) == 0 {
		return domain.Session{}, errors.New("no active sessions to join")
	}

	options := make([]string, len(active))
	for i, s := range active {
		options[i] = fmt.Sprintf("%s — %s (%s)", s.ID, s.Title, s.HostName)
	}
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).WithDefaultText("Select a session").Show()
	for i, opt := range options {
		if opt == choice {
			return domain.NewSession(active[i].ID, active[i].Title, self)
		}
	}
	return domain.Session{}, errors.New("no session selected")
}

// startStatusServer exposes the local diagnostics endpoint when enabled.
func startStatusServer(cfg *config.Config, coord *app.Coordinator) func() {
	if cfg.StatusPort <= 0 {
		return func() {}
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.StatusPort),
		Handler: statushttp.SetupRouter(cfg.Mode, coord),
	}
	go func() {
		log.Info().Str("module", "main").Str("addr", srv.Addr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server error")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server forced to shutdown")
		}
	}
}
