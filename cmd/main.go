package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/cache"
	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/constant"
	"github.com/xeptore/coral/ctxutil"
	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/log"
	"github.com/xeptore/coral/nso"
	"github.com/xeptore/coral/nso/fapi"
	"github.com/xeptore/coral/ratelimit"
)

const flagConfigFilePath = "config"

func main() {
	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	defer func() {
		if r := recover(); nil != r {
			logger.Error().Func(log.Panic(r)).Msg("Application panicked")
			os.Exit(1)
		}
	}()

	if err := godotenv.Load(); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Msg(".env file was not found")
		} else {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "coral",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Nintendo Switch Online credential manager",
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:    "login",
				Aliases: []string{"l"},
				Usage:   "Run the interactive browser login and persist the credentials",
				Action:  login,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     flagConfigFilePath,
						Aliases:  []string{"c"},
						Usage:    "Config file path",
						Required: false,
					},
				},
			},
			//nolint:exhaustruct
			{
				Name:    "token",
				Aliases: []string{"t"},
				Usage:   "Print a valid game web service token, refreshing it if needed",
				Action:  token,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     flagConfigFilePath,
						Aliases:  []string{"c"},
						Usage:    "Config file path",
						Required: false,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

func loadConfig(cliCtx *cli.Context, logger zerolog.Logger) (*config.Config, error) {
	cfgFilePath := cliCtx.String(flagConfigFilePath)
	cfgEnv := os.Getenv("CONFIG")
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return nil, errors.New("config file path and config environment variable are both set. specify only one")
	case cfgFilePath == "" && cfgEnv == "":
		return nil, errors.New("config file path and config environment variable are both empty. specify one")
	case cfgFilePath != "":
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config from file")
		cfg, err := config.FromFile(cfgFilePath)
		if nil != err {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
		return cfg, nil
	default:
		logger.Debug().Msg("Loading config from environment variable")
		cfg, err := config.FromString(cfgEnv)
		if nil != err {
			return nil, fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		return cfg, nil
	}
}

type services struct {
	cache *nso.Cache
	flow  *nso.Flow
}

func buildServices(cfg *config.Config, logger zerolog.Logger) (*services, error) {
	if err := os.MkdirAll(cfg.CredsDir, 0o0700); nil != err {
		return nil, fmt.Errorf("failed to create credentials directory: %v", err)
	}

	credCache, err := nso.LoadCache(cfg.CredsDir)
	if nil != err {
		return nil, err
	}

	floor := ratelimit.NewFloor(credCache.FAPIRequestInterval())
	floor.Restore(credCache.LastFAPIRequestTime())

	caches := cache.New()
	if v := credCache.NSOVersion(); v != "" {
		caches.NSOVersion.Set(v, cache.DefaultNSOVersionTTL)
	}

	fapiClient := fapi.NewClient(logger, cfg.FAPIBaseURL, floor, caches, credCache)
	accounts := nso.NewAccounts(cfg.Language)
	opener := terminalOpener{out: os.Stdout, in: os.Stdin}
	sink := logSink{logger: logger}
	flow := nso.NewFlow(logger, accounts, fapiClient, opener, sink)

	return &services{cache: credCache, flow: flow}, nil
}

func login(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	svcs, err := buildServices(cfg, logger)
	if nil != err {
		return err
	}

	sessionToken, err := svcs.flow.Login(ctx)
	if nil != err {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return context.Canceled
		case errors.Is(err, nso.ErrInvalidCallbackURL):
			return errors.New("the callback URL could not be parsed. Run login again and paste the full link the browser was redirected to")
		case errors.Is(err, nso.ErrInvalidSessionToken):
			return errors.New("the session token code was rejected. Run login again")
		case errutil.IsFlaw(err):
			return err
		default:
			panic(errutil.UnknownError(err))
		}
	}

	creds, err := svcs.flow.FullLogin(ctx, sessionToken)
	if nil != err {
		return describeLoginError(ctx, err)
	}

	// The whole chain succeeded; only now does anything hit the store.
	if err := svcs.cache.SetSessionToken(sessionToken); nil != err {
		return err
	}
	if err := svcs.cache.SetGameServiceToken(creds.WebServiceToken.AccessToken, time.Now()); nil != err {
		return err
	}

	logger.Info().
		Str("user", creds.LoginResult.User.Name).
		Str("friend_code", creds.LoginResult.User.FriendCode).
		Msg("Login succeeded")
	fmt.Fprintln(os.Stdout, creds.WebServiceToken.AccessToken)
	return nil
}

func token(cliCtx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	cfg, err := loadConfig(cliCtx, logger)
	if nil != err {
		return err
	}

	svcs, err := buildServices(cfg, logger)
	if nil != err {
		return err
	}

	// Give an in-flight refresh a short grace window after SIGINT so a token
	// obtained moments before the signal still gets persisted consistently.
	jobCtx, jobCancel := ctxutil.WithDelayedTimeout(ctx, 5*time.Second)
	defer jobCancel()

	session := nso.NewSession(logger, svcs.flow, svcs.cache)
	webServiceToken, err := session.EnsureValidCredentials(jobCtx)
	if nil != err {
		return describeLoginError(ctx, err)
	}

	fmt.Fprintln(os.Stdout, webServiceToken)
	return nil
}

func describeLoginError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("the login flow timed out")
	case errors.Is(err, nso.ErrInvalidSessionToken):
		return errors.New("the stored session token was rejected. Run `coral login` to authorize again")
	case errors.Is(err, fapi.ErrInvalidGameServiceToken):
		return errors.New("the game service token was rejected twice. Run `coral login` to authorize again")
	case errors.Is(err, fapi.ErrTooManyRequests):
		return errors.New("the f-value service rate limit was hit. Wait a bit and retry")
	case errors.Is(err, fapi.ErrService):
		return fmt.Errorf("the f-value service keeps failing: %v", err)
	default:
		if respErr := new(fapi.ResponseError); errors.As(err, &respErr) {
			return fmt.Errorf("the f-value service rejected the request with status %d", respErr.Code)
		}
		if errutil.IsFlaw(err) {
			return err
		}
		panic(errutil.UnknownError(err))
	}
}

// terminalOpener asks the user to open the authorize URL and paste the
// resulting callback link back. The custom-scheme redirect cannot be captured
// by a local listener.
type terminalOpener struct {
	out *os.File
	in  *os.File
}

func (o terminalOpener) Open(ctx context.Context, authorizeURL string) (string, error) {
	fmt.Fprintf(o.out, "Open the following URL in your browser and sign in:\n\n%s\n\nThen paste the link of the page the browser was redirected to:\n", authorizeURL)

	type line struct {
		text string
		err  error
	}
	lines := make(chan line, 1)
	go func() {
		scanner := bufio.NewScanner(o.in)
		if scanner.Scan() {
			lines <- line{text: strings.TrimSpace(scanner.Text()), err: nil}
			return
		}
		if err := scanner.Err(); nil != err {
			lines <- line{text: "", err: err}
			return
		}
		lines <- line{text: "", err: errors.New("input was closed")}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-lines:
		if nil != l.err {
			return "", l.err
		}
		return l.text, nil
	}
}

// logSink reports flow stages to the logger.
type logSink struct {
	logger zerolog.Logger
}

func (s logSink) Update(stage nso.Stage) error {
	s.logger.Info().Msg(string(stage))
	return nil
}
